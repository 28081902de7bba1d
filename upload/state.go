package upload

// State is the lifecycle state of a Controller.
type State string

// Upload states.
const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateUploading  State = "uploading"
	StateAborting   State = "aborting"
	StateCompleting State = "completing"
	StateDone       State = "done"
	StateError      State = "error"
)

// Active reports whether an upload is in progress in this state.
func (s State) Active() bool {
	switch s {
	case StateStarting, StateUploading, StateAborting, StateCompleting:
		return true
	default:
		return false
	}
}

// UploadSession identifies a remote multipart upload. It does not change once init succeeded.
type UploadSession struct {
	Key           string
	UploadID      string
	TotalParts    int
	PartSizeBytes int64
	FileSizeBytes int64
}
