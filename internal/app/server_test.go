package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/1ureka/parley/internal/router"
)

func TestRoster(t *testing.T) {
	peers := []router.PeerInfo{
		{ID: 1, Name: "alice", Since: time.Now()},
		{ID: 4, Name: "bob", Since: time.Now()},
	}
	assert.Equal(t, []string{"alice#1", "bob#4"}, roster(peers))
	assert.Empty(t, roster(nil))
}
