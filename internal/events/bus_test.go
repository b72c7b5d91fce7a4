package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/care/formcoach/internal/session"
)

func notice(msg string) session.Event {
	return session.Event{Type: session.EventNotice, Notice: msg}
}

func TestSubscribe_Errors(t *testing.T) {
	b := New()
	ch := make(chan session.Event, 1)

	if err := b.Subscribe("a", nil); !errors.Is(err, ErrNilChannel) {
		t.Errorf("Subscribe(nil) = %v, want ErrNilChannel", err)
	}
	if err := b.Subscribe("a", ch); err != nil {
		t.Fatal(err)
	}
	if err := b.Subscribe("a", ch); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("duplicate Subscribe = %v, want ErrSubscriberExists", err)
	}
	if _, err := b.SubscribeLatest("a"); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("duplicate SubscribeLatest = %v, want ErrSubscriberExists", err)
	}
	if err := b.Unsubscribe("missing"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("Unsubscribe(missing) = %v, want ErrSubscriberNotFound", err)
	}
	if _, err := b.SubscriberStats("missing"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("SubscriberStats(missing) = %v, want ErrSubscriberNotFound", err)
	}

	b.Close()
	if err := b.Subscribe("b", ch); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Subscribe after Close = %v, want ErrBusClosed", err)
	}
	if _, err := b.SubscribeLatest("c"); !errors.Is(err, ErrBusClosed) {
		t.Errorf("SubscribeLatest after Close = %v, want ErrBusClosed", err)
	}
}

func TestPublish_DropNew(t *testing.T) {
	b := New()
	defer b.Close()

	ch := make(chan session.Event, 2)
	if err := b.Subscribe("slow", ch); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		b.Publish(notice("n"))
	}

	stats, err := b.SubscriberStats("slow")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sent != 2 || stats.Dropped != 3 {
		t.Errorf("stats = %+v, want sent=2 dropped=3", stats)
	}
	if got := b.Stats().Published; got != 5 {
		t.Errorf("published = %d, want 5", got)
	}
	if len(ch) != 2 {
		t.Errorf("channel holds %d events, want 2", len(ch))
	}
}

func TestPublish_DropOldKeepsLatest(t *testing.T) {
	b := New()
	defer b.Close()

	l, err := b.SubscribeLatest("ui")
	if err != nil {
		t.Fatal(err)
	}

	b.Publish(notice("first"))
	b.Publish(notice("second"))
	b.Publish(notice("third"))

	ev, err := l.Receive(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Notice != "third" {
		t.Errorf("received %q, want third", ev.Notice)
	}

	stats, _ := b.SubscriberStats("ui")
	if stats.Sent != 3 || stats.Dropped != 2 {
		t.Errorf("stats = %+v, want sent=3 dropped=2", stats)
	}
}

func TestLatest_ReceiveBlocksUntilNewEvent(t *testing.T) {
	b := New()
	defer b.Close()

	l, _ := b.SubscribeLatest("ui")
	b.Publish(notice("one"))
	if ev, _ := l.Receive(context.Background()); ev.Notice != "one" {
		t.Fatalf("received %q, want one", ev.Notice)
	}

	// Already consumed: a second Receive must wait
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() = %v, want deadline exceeded", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var got session.Event
	go func() {
		defer wg.Done()
		got, _ = l.Receive(context.Background())
	}()

	time.Sleep(5 * time.Millisecond)
	b.Publish(notice("two"))
	wg.Wait()

	if got.Notice != "two" {
		t.Errorf("received %q, want two", got.Notice)
	}
}

func TestLatest_TryReceive(t *testing.T) {
	b := New()
	defer b.Close()

	l, _ := b.SubscribeLatest("ui")
	if _, ok := l.TryReceive(); ok {
		t.Error("TryReceive() on empty receiver should report false")
	}

	b.Publish(notice("x"))
	for i := 0; i < 2; i++ {
		ev, ok := l.TryReceive()
		if !ok || ev.Notice != "x" {
			t.Errorf("TryReceive() #%d = %q, %v", i, ev.Notice, ok)
		}
	}
}

func TestLatest_CloseWakesReceiver(t *testing.T) {
	b := New()
	l, _ := b.SubscribeLatest("ui")

	errCh := make(chan error, 1)
	go func() {
		_, err := l.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	if err := b.Unsubscribe("ui"); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrReceiverClosed) {
			t.Errorf("Receive() = %v, want ErrReceiverClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not return after Unsubscribe")
	}

	// Publishing after removal must not panic
	b.Publish(notice("late"))
	b.Close()
	b.Close()
}

func TestPublish_AfterCloseIsIgnored(t *testing.T) {
	b := New()
	b.Close()
	b.Publish(notice("x"))

	if got := b.Stats().Published; got != 0 {
		t.Errorf("published = %d, want 0", got)
	}
}

func TestBus_ImplementsPublisher(t *testing.T) {
	var _ session.Publisher = New()
}
