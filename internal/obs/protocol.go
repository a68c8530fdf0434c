package obs

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// OBS WebSocket v5 op codes.
const (
	opHello           = 0
	opIdentify        = 1
	opIdentified      = 2
	opEvent           = 5
	opRequest         = 6
	opRequestResponse = 7
)

// rpcVersion is the protocol version negotiated during Identify.
const rpcVersion = 1

// Request status codes used by the client.
const (
	StatusSuccess               = 100
	StatusResourceNotFound      = 600
	StatusResourceAlreadyExists = 601
)

// closeAuthenticationFailed is the WebSocket close code OBS sends for a bad
// password.
const closeAuthenticationFailed = 4009

// ErrNotConnected is returned for calls made while no connection is open.
var ErrNotConnected = errors.New("obs: not connected")

// ErrAuthFailed is returned by Connect when OBS rejects the password.
var ErrAuthFailed = errors.New("obs: authentication failed")

// RequestError is a request that OBS answered with a non-success status.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

// Error implements error.
func (e *RequestError) Error() string {
	if e.Comment == "" {
		return fmt.Sprintf("obs: %s failed with status %d", e.RequestType, e.Code)
	}
	return fmt.Sprintf("obs: %s failed with status %d: %s", e.RequestType, e.Code, e.Comment)
}

// IsNotFound reports whether err is an OBS "resource not found" answer.
func IsNotFound(err error) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Code == StatusResourceNotFound
}

// IsTransportError reports whether err is a connection-level failure rather
// than an OBS answer. Only transport errors indicate that OBS is unreachable.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	var re *RequestError
	return !errors.As(err, &re)
}

// envelope is the outer frame of every message.
type envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type helloData struct {
	ObsWebSocketVersion string         `json:"obsWebSocketVersion"`
	RPCVersion          int            `json:"rpcVersion"`
	Authentication      *authChallenge `json:"authentication,omitempty"`
}

type authChallenge struct {
	Challenge string `json:"challenge"`
	Salt      string `json:"salt"`
}

type identifyData struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type identifiedData struct {
	NegotiatedRPCVersion int `json:"negotiatedRpcVersion"`
}

type requestData struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type requestStatus struct {
	Result  bool   `json:"result"`
	Code    int    `json:"code"`
	Comment string `json:"comment,omitempty"`
}

type responseData struct {
	RequestType   string          `json:"requestType"`
	RequestID     string          `json:"requestId"`
	RequestStatus requestStatus   `json:"requestStatus"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
}

// authString computes the Identify authentication string from the password
// and the Hello challenge.
func authString(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

func encode(op int, d any) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("obs: marshal op %d: %w", op, err)
	}
	return json.Marshal(envelope{Op: op, D: raw})
}

// Version is the subset of GetVersion used for health reporting.
type Version struct {
	OBSVersion          string `json:"obsVersion"`
	OBSWebSocketVersion string `json:"obsWebSocketVersion"`
	RPCVersion          int    `json:"rpcVersion"`
	Platform            string `json:"platform"`
}

// SceneItem is one entry of GetSceneItemList.
type SceneItem struct {
	ID         int    `json:"sceneItemId"`
	Index      int    `json:"sceneItemIndex"`
	SourceName string `json:"sourceName"`
	Enabled    bool   `json:"sceneItemEnabled"`
}

// Transform positions and scales a scene item.
type Transform struct {
	X      float64
	Y      float64
	ScaleX float64
	ScaleY float64
}
