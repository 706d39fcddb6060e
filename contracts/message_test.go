package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncUpdate(t *testing.T) {
	t.Run("wire names match the user service", func(t *testing.T) {
		data, err := json.Marshal(SyncUpdate{SubjectID: 7, Data: `{"username":"amy"}`, LogicalTimestamp: 100})
		require.NoError(t, err)
		assert.JSONEq(t, `{"UserId":7,"UserData":"{\"username\":\"amy\"}","Timestamp":100}`, string(data))
	})

	t.Run("validate", func(t *testing.T) {
		assert.NoError(t, SyncUpdate{SubjectID: 9, Data: "Z", LogicalTimestamp: 5}.Validate())

		err := SyncUpdate{SubjectID: 0, LogicalTimestamp: -1}.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subject id")
		assert.Contains(t, err.Error(), "logical timestamp")
	})

	assert.Equal(t, "SyncUpdate", SyncUpdate{}.MessageType())
}

func TestBotRequest(t *testing.T) {
	req := BotRequest{UserID: "u1", ReplyToken: "r1", Text: "query 42"}

	t.Run("wire names match the webhook service", func(t *testing.T) {
		data, err := json.Marshal(req)
		require.NoError(t, err)
		assert.JSONEq(t, `{"UserId":"u1","ReplyToken":"r1","Message":"query 42"}`, string(data))
	})

	t.Run("validate", func(t *testing.T) {
		assert.NoError(t, req.Validate())
		assert.Error(t, BotRequest{UserID: "u1"}.Validate())
		assert.Error(t, BotRequest{ReplyToken: "r1"}.Validate())
	})

	t.Run("reply keeps the token", func(t *testing.T) {
		reply := req.ReplyTo("Bug ID 42 not found")
		assert.Equal(t, BotReply{ReplyToken: "r1", Text: "Bug ID 42 not found"}, reply)
		assert.NoError(t, reply.Validate())
	})
}

func TestBotReply(t *testing.T) {
	data, err := json.Marshal(BotReply{ReplyToken: "r1", Text: "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ReplyToken":"r1","ResponseMessage":"hi"}`, string(data))

	assert.Error(t, BotReply{Text: "hi"}.Validate())
	assert.Equal(t, "BotReply", BotReply{}.MessageType())
}

func TestErrors(t *testing.T) {
	t.Run("stale update matches the sentinel", func(t *testing.T) {
		err := fmt.Errorf("apply: %w", &StaleUpdateError{SubjectID: 7, Incoming: 50, Current: 100})

		assert.ErrorIs(t, err, ErrStaleUpdate)
		var stale *StaleUpdateError
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, int64(100), stale.Current)
		assert.Contains(t, err.Error(), "subject 7")
	})

	t.Run("serialization error unwraps", func(t *testing.T) {
		cause := errors.New("unexpected end of JSON input")
		err := &SerializationError{Type: "BotRequest", Err: cause}

		assert.ErrorIs(t, err, cause)
		assert.False(t, err.IsRetryable())
		assert.Equal(t, "cannot decode BotRequest: unexpected end of JSON input", err.Error())
	})

	t.Run("handler error unwraps", func(t *testing.T) {
		cause := errors.New("db down")
		err := &HandlerError{Handler: "bug-query", Err: cause}

		assert.ErrorIs(t, err, cause)
		assert.NotErrorIs(t, err, ErrStaleUpdate)
	})
}
