package session

import "github.com/care/formcoach/internal/types"

// State is the user-facing session state. Values handed out by the
// controller are snapshots and never change afterwards.
type State struct {
	SelectedExercise string                `json:"selectedExercise"`
	CameraOn         bool                  `json:"cameraOn"`
	CameraReady      bool                  `json:"cameraReady"`
	Permission       types.PermissionState `json:"permission"`
	Analyzing        bool                  `json:"analyzing"`
	Loading          bool                  `json:"loading"`
	Feedback         *types.Verdict        `json:"feedback"`
	Error            *Failure              `json:"error"`
}

// CanAnalyze reports whether the start/poll guard holds
func (s State) CanAnalyze() bool {
	return s.SelectedExercise != "" &&
		s.CameraOn &&
		s.CameraReady &&
		s.Permission == types.PermissionGranted
}

// guardFailure explains why the guard does not hold, or returns nil
func (s State) guardFailure() *Failure {
	switch {
	case s.SelectedExercise == "":
		return guardViolation("Select an exercise first.")
	case !s.CameraOn:
		return guardViolation("Turn the camera on first.")
	case s.Permission == types.PermissionDenied:
		return guardViolation("Camera access is denied.")
	case !s.CameraReady || s.Permission != types.PermissionGranted:
		return guardViolation("The camera is not ready yet.")
	}
	return nil
}

func (s State) clone() State {
	if s.Feedback != nil {
		v := *s.Feedback
		s.Feedback = &v
	}
	if s.Error != nil {
		f := *s.Error
		s.Error = &f
	}
	return s
}
