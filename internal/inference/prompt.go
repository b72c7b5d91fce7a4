package inference

import "fmt"

// Prompt is the coaching instruction sent along with the frame
func Prompt(exercise string) string {
	return fmt.Sprintf(`You are a strength and conditioning coach. The image shows a person performing the exercise %q.
Judge only their form in this single frame.
Answer with a JSON object and nothing else:
{"formCorrect": true|false, "feedback": "<one or two short sentences of actionable advice>"}`, exercise)
}
