package contracts

import (
	"errors"
	"fmt"
)

// Message is implemented by every payload published through the broker
type Message interface {
	MessageType() string
	Validate() error
}

// SyncUpdate carries the latest state of a replicated subject. The logical
// timestamp travels with the message and decides which write wins.
type SyncUpdate struct {
	SubjectID        int64  `json:"UserId"`
	Data             string `json:"UserData"`
	LogicalTimestamp int64  `json:"Timestamp"`
}

// MessageType returns the message type
func (SyncUpdate) MessageType() string { return "SyncUpdate" }

// Validate checks the update can be applied
func (u SyncUpdate) Validate() error {
	var errs []error
	if u.SubjectID <= 0 {
		errs = append(errs, fmt.Errorf("subject id must be positive, got %d", u.SubjectID))
	}
	if u.LogicalTimestamp < 0 {
		errs = append(errs, fmt.Errorf("logical timestamp must not be negative, got %d", u.LogicalTimestamp))
	}
	return errors.Join(errs...)
}

// BotRequest is a chat message forwarded for a domain answer
type BotRequest struct {
	UserID     string `json:"UserId"`
	ReplyToken string `json:"ReplyToken"`
	Text       string `json:"Message"`
}

// MessageType returns the message type
func (BotRequest) MessageType() string { return "BotRequest" }

// Validate checks the request can be answered
func (r BotRequest) Validate() error {
	var errs []error
	if r.UserID == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if r.ReplyToken == "" {
		errs = append(errs, errors.New("reply token is required"))
	}
	return errors.Join(errs...)
}

// BotReply is the answer to a BotRequest, addressed by its reply token
type BotReply struct {
	ReplyToken string `json:"ReplyToken"`
	Text       string `json:"ResponseMessage"`
}

// MessageType returns the message type
func (BotReply) MessageType() string { return "BotReply" }

// Validate checks the reply can be delivered
func (r BotReply) Validate() error {
	if r.ReplyToken == "" {
		return errors.New("reply token is required")
	}
	return nil
}

// ReplyTo builds the reply for r
func (r BotRequest) ReplyTo(text string) BotReply {
	return BotReply{ReplyToken: r.ReplyToken, Text: text}
}
