// SPDX-License-Identifier: MIT

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathMapTranslation(t *testing.T) {
	pm := NewPathMap([]PathMapping{
		{ServerPrefix: "/srv/media", EncoderPrefix: "/mnt/media"},
		{ServerPrefix: "/srv/media/raw", EncoderPrefix: "/mnt/raw"},
	})

	// Longest prefix wins.
	assert.Equal(t, "/mnt/raw/a.mkv", pm.ToEncoder("/srv/media/raw/a.mkv"))
	assert.Equal(t, "/mnt/media/b.mkv", pm.ToEncoder("/srv/media/b.mkv"))
	assert.Equal(t, "/elsewhere/c.mkv", pm.ToEncoder("/elsewhere/c.mkv"))

	assert.Equal(t, "/srv/media/raw/a.mkv", pm.ToServer("/mnt/raw/a.mkv"))
	assert.Equal(t, "/srv/media/b.mkv", pm.ToServer("/mnt/media/b.mkv"))
}

func TestPathMapCanReach(t *testing.T) {
	pm := NewPathMap([]PathMapping{
		{ServerPrefix: "/srv/media", EncoderPrefix: "/mnt/media"},
	})
	assert.True(t, pm.CanReach("/srv/media/x.mkv"))
	assert.False(t, pm.CanReach("/srv/other/x.mkv"))

	var none PathMap
	assert.True(t, none.CanReach("/anything"), "unmapped workers are co-located")
}
