package domain

import "testing"

func TestCanTransition_Graph(t *testing.T) {
	all := []CallStatus{StatusRinging, StatusActive, StatusEnded, StatusDeclined, StatusMissed}

	allowed := map[[2]CallStatus]bool{
		{StatusRinging, StatusActive}:   true,
		{StatusRinging, StatusDeclined}: true,
		{StatusRinging, StatusMissed}:   true,
		{StatusRinging, StatusEnded}:    true,
		{StatusActive, StatusEnded}:     true,
	}

	for _, from := range all {
		for _, to := range all {
			got := CanTransition(from, to)
			want := allowed[[2]CallStatus{from, to}]
			if got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestCallStatus_TerminalIsAbsorbing(t *testing.T) {
	for _, from := range []CallStatus{StatusEnded, StatusDeclined, StatusMissed} {
		for _, to := range []CallStatus{StatusRinging, StatusActive, StatusEnded, StatusDeclined, StatusMissed} {
			if CanTransition(from, to) {
				t.Errorf("terminal status %s must not transition to %s", from, to)
			}
		}
	}
}

func TestMediaKind_WantsVideo(t *testing.T) {
	if KindVoice.WantsVideo() {
		t.Fatalf("voice must not want video")
	}
	if !KindVideo.WantsVideo() || !KindScreenShare.WantsVideo() {
		t.Fatalf("video and screen share must want video")
	}
	if MediaKind("carrier_pigeon").Valid() {
		t.Fatalf("unknown kind must be invalid")
	}
}
