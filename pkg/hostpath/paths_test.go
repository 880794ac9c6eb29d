package hostpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaths(t *testing.T) {
	p := New(DefaultRoot)
	vol := "vol-0a1b2c3d"

	assert.Equal(t, "/volumes/vol-0a1b2c3d", p.MountPoint(vol))
	assert.Equal(t, "/volumes/vol-0a1b2c3d/.mounted", p.MountedMarker(vol))
	assert.Equal(t, "/volumes/automount/vol-0a1b2c3d", p.ScriptPath(vol))
	assert.Equal(t, "/volumes/automount/.mounted-vol-0a1b2c3d", p.CompletionMarker(vol))
	assert.Equal(t, "/volumes/automount/.registered", p.RegistrationMarker())
}

func TestPaths_Inner(t *testing.T) {
	tests := []struct {
		name string
		root string
		host string
		want string
	}{
		{name: "default root", root: DefaultRoot, host: "/etc/crontab", want: "/host_root/etc/crontab"},
		{name: "custom root", root: "/tmp/host", host: "/volumes/vol-1/.mounted", want: "/tmp/host/volumes/vol-1/.mounted"},
		{name: "no root", root: "", host: "/etc//crontab", want: "/etc/crontab"},
		{name: "slash root", root: "/", host: "/etc/crontab", want: "/etc/crontab"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, New(tt.root).Inner(tt.host))
		})
	}
}
