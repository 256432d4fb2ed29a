package domain

// Participant represents one member of a mesh session.
// A mesh session has at most one host; the mesh coordinator enforces it.
type Participant struct {
	UserID        UserID `json:"user_id"`
	IsHost        bool   `json:"is_host"`
	AudioMuted    bool   `json:"audio_muted"`
	VideoMuted    bool   `json:"video_muted"`
	SharingScreen bool   `json:"sharing_screen"`
}
