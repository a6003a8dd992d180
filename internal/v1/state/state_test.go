package state

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmpty_CanonicalJSON(t *testing.T) {
	b, err := Empty().CanonicalJSON()
	require.NoError(t, err)

	// Empty collections serialize as [], never null; that keeps the
	// byte-for-byte convergence check meaningful across nodes.
	assert.JSONEq(t, `{
		"code": "",
		"createdAt": 0,
		"createdBy": "",
		"participants": [],
		"playlist": [],
		"playback": {"isPlaying": false, "positionSeconds": 0, "lastUpdated": 0},
		"chatLog": []
	}`, string(b))
	assert.NotContains(t, string(b), "null")
}

func TestCanonicalJSON_Stable(t *testing.T) {
	s, err := Apply(Empty(), createOp(1000))
	require.NoError(t, err)
	s, err = Apply(s, Operation{Kind: OpChatMessage, OriginUserID: "u1", Text: "hi", SubmitTimestamp: 1100})
	require.NoError(t, err)

	first, err := s.CanonicalJSON()
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := s.CanonicalJSON()
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCanonicalJSON_RoundTrip(t *testing.T) {
	s, _ := Apply(Empty(), createOp(1000))
	s, _ = Apply(s, Operation{Kind: OpPlaylistAdd, OriginUserID: "u1", VideoID: "v1", Position: AppendPosition, SubmitTimestamp: 1100})

	b, err := s.CanonicalJSON()
	require.NoError(t, err)

	var decoded RoomState
	require.NoError(t, json.Unmarshal(b, &decoded))

	reencoded, err := decoded.CanonicalJSON()
	require.NoError(t, err)
	assert.Equal(t, b, reencoded)
}

func TestClone_Independent(t *testing.T) {
	s, _ := Apply(Empty(), createOp(1000))
	s, _ = Apply(s, Operation{Kind: OpPlaylistAdd, OriginUserID: "u1", VideoID: "v1", Position: AppendPosition, SubmitTimestamp: 1100})

	clone := s.Clone()
	clone.Participants[0].Username = "Mallory"
	clone.Playlist[0].VideoID = "evil"

	assert.EqualValues(t, "Alice", s.Participants[0].Username)
	assert.Equal(t, "v1", s.Playlist[0].VideoID)
}

func TestHasParticipant(t *testing.T) {
	s, _ := Apply(Empty(), createOp(1000))
	assert.True(t, s.HasParticipant("u1"))
	assert.False(t, s.HasParticipant("u2"))
}
