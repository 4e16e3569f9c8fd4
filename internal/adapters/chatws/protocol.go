package chatws

import (
	"encoding/json"
	"time"

	"github.com/dkeye/Consult/internal/core"
	"github.com/dkeye/Consult/internal/domain"
)

const (
	methodConnect      = "connect"
	methodSubscribed   = "subscribedChannels"
	methodByUniqueName = "channelByUniqueName"
	methodBySID        = "channelBySid"
	methodJoin         = "join"
	methodMessages     = "messages"
	methodSend         = "send"
	methodUpdateToken  = "updateToken"

	eventMessageAdded       = "messageAdded"
	eventTokenAboutToExpire = "tokenAboutToExpire"
	eventTokenExpired       = "tokenExpired"
	eventConnectionError    = "connectionError"

	codeChannelNotFound = 50300
)

type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// frame is either a response (ID set) or a pushed event.
type frame struct {
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Message *wireMessage    `json:"message,omitempty"`
}

type response struct {
	result json.RawMessage
	err    error
}

type wireChannel struct {
	SID          string `json:"sid"`
	UniqueName   string `json:"uniqueName"`
	FriendlyName string `json:"friendlyName"`
}

type wireMessage struct {
	SID       string    `json:"sid"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

func (m wireMessage) toDomain() domain.Message {
	return domain.Message{SID: m.SID, Author: m.Author, Body: m.Body, Timestamp: m.Timestamp}
}

type tokenParams struct {
	Token string `json:"token"`
}

type nameParams struct {
	Name string `json:"name"`
}

type sidParams struct {
	SID string `json:"sid"`
}

type sendParams struct {
	SID  string `json:"sid"`
	Body string `json:"body"`
}

func (e *wireError) err() error {
	if e.Code == codeChannelNotFound {
		return core.ErrChannelNotFound
	}
	return &core.ProviderError{Code: e.Code, Message: e.Message}
}
