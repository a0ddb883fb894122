package docker

import "testing"

func TestVolumeName(t *testing.T) {
	if got := VolumeName("pod-1"); got != "podagent-pod-1" {
		t.Errorf("unexpected volume name %s", got)
	}
}
