package mountguard

import (
	"testing"

	"github.com/moby/sys/mountinfo"
	"github.com/stretchr/testify/require"
)

func TestFindSource(t *testing.T) {
	ms := []*mountinfo.Info{
		{Source: "/dev/sda1", Mountpoint: "/"},
		{Source: "/images/test.img", Mountpoint: "/mnt/test"},
	}

	require.Equal(t, "/mnt/test", findSource(ms, "/images/test.img").Mountpoint)
	require.Nil(t, findSource(ms, "/images/other.img"))
}
