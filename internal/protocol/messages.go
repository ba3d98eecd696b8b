package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client to server message types.
const (
	TypeRequestSettings  = "REQUEST_SETTINGS"
	TypeRequestUpdate    = "REQUEST_UPDATE"
	TypeDestroyView      = "DESTROY_VIEW"
	TypeRequestShortlink = "REQUEST_SHORTLINK"
	TypeDeleteFile       = "DELETE_FILE"
	TypeSaveFile         = "SAVE_FILE"
	TypeClipboard        = "CLIPBOARD"
	TypeCreateFolder     = "CREATE_FOLDER"
	TypeRename           = "RENAME"
	TypeGetUsers         = "GET_USERS"
	TypeUpdateUser       = "UPDATE_USER"
	TypeCreateFiles      = "CREATE_FILES"
	TypeZeroFiles        = "ZERO_FILES"
	TypeCreateFolders    = "CREATE_FOLDERS"
	TypeGetURL           = "GET_URL"
)

// Server to client message types.
const (
	TypeSettings        = "SETTINGS"
	TypeUpdateDirectory = "UPDATE_DIRECTORY"
	TypeUpdateBeFile    = "UPDATE_BE_FILE"
	TypeUploadDone      = "UPLOAD_DONE"
	TypeShortlink       = "SHORTLINK"
	TypeUserList        = "USER_LIST"
	TypeSaveStatus      = "SAVE_STATUS"
	TypeError           = "ERROR"
)

// ErrUnknownType is returned by Decode for an unrecognized message type.
var ErrUnknownType = errors.New("unknown message type")

// Envelope is the frame every client message arrives in.
type Envelope struct {
	VID  int             `json:"vId"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Request is a decoded client message. The set of implementations is closed.
type Request interface {
	request()
}

type RequestSettings struct{}

type RequestUpdate struct {
	Path string
}

type DestroyView struct{}

type RequestShortlink struct {
	Path string
}

type DeleteFile struct {
	Path string
}

type SaveFile struct {
	To    string `json:"to"`
	Value string `json:"value"`
}

// ClipboardKind is "copy" or "cut".
type ClipboardKind string

const (
	ClipboardCopy ClipboardKind = "copy"
	ClipboardCut  ClipboardKind = "cut"
)

type Clipboard struct {
	Kind ClipboardKind `json:"type"`
	From string        `json:"from"`
	To   string        `json:"to"`
}

type CreateFolder struct {
	Path string
}

type Rename struct {
	Old string `json:"old"`
	New string `json:"new"`
}

type GetUsers struct{}

// UpdateUser adds or updates a user. An empty Pass deletes the user.
type UpdateUser struct {
	Name string `json:"name"`
	Pass string `json:"pass"`
	Priv bool   `json:"priv"`
}

type CreateFiles struct {
	Files    StringList `json:"files"`
	IsUpload bool       `json:"isUpload"`
}

type CreateFolders struct {
	Folders  StringList `json:"folders"`
	IsUpload bool       `json:"isUpload"`
}

type GetURL struct {
	URL string `json:"url"`
	To  string `json:"to"`
}

func (RequestSettings) request()  {}
func (RequestUpdate) request()    {}
func (DestroyView) request()      {}
func (RequestShortlink) request() {}
func (DeleteFile) request()       {}
func (SaveFile) request()         {}
func (Clipboard) request()        {}
func (CreateFolder) request()     {}
func (Rename) request()           {}
func (GetUsers) request()         {}
func (UpdateUser) request()       {}
func (CreateFiles) request()      {}
func (CreateFolders) request()    {}
func (GetURL) request()           {}

// StringList accepts either a JSON string or an array of strings.
type StringList []string

func (l *StringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("expected string or string array: %w", err)
	}
	*l = many
	return nil
}

// Decode parses a client frame into its envelope and typed request.
func Decode(frame []byte) (Envelope, Request, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return env, nil, fmt.Errorf("decode envelope: %w", err)
	}

	var req Request
	var err error
	switch env.Type {
	case TypeRequestSettings:
		req = RequestSettings{}
	case TypeRequestUpdate:
		var p string
		err = decodeData(env, &p)
		req = RequestUpdate{Path: p}
	case TypeDestroyView:
		req = DestroyView{}
	case TypeRequestShortlink:
		var p string
		err = decodeData(env, &p)
		req = RequestShortlink{Path: p}
	case TypeDeleteFile:
		var p string
		err = decodeData(env, &p)
		req = DeleteFile{Path: p}
	case TypeSaveFile:
		var m SaveFile
		err = decodeData(env, &m)
		req = m
	case TypeClipboard:
		var m Clipboard
		err = decodeData(env, &m)
		if err == nil && m.Kind != ClipboardCopy && m.Kind != ClipboardCut {
			err = fmt.Errorf("clipboard type %q", m.Kind)
		}
		req = m
	case TypeCreateFolder:
		var p string
		err = decodeData(env, &p)
		req = CreateFolder{Path: p}
	case TypeRename:
		var m Rename
		err = decodeData(env, &m)
		req = m
	case TypeGetUsers:
		req = GetUsers{}
	case TypeUpdateUser:
		var m UpdateUser
		err = decodeData(env, &m)
		req = m
	case TypeCreateFiles, TypeZeroFiles:
		var m CreateFiles
		err = decodeData(env, &m)
		req = m
	case TypeCreateFolders:
		var m CreateFolders
		err = decodeData(env, &m)
		req = m
	case TypeGetURL:
		var m GetURL
		err = decodeData(env, &m)
		req = m
	default:
		return env, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return env, nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return env, req, nil
}

func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return errors.New("missing data")
	}
	return json.Unmarshal(env.Data, v)
}

// Entry is one row of a directory listing.
type Entry struct {
	Type  string `json:"type"` // "f" or "d"
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"` // unix milliseconds
	Mime  string `json:"mime,omitempty"`
}

// Listing maps entry names to their metadata.
type Listing map[string]Entry

// Settings are the client-visible server settings.
type Settings struct {
	Debug       bool  `json:"debug"`
	NoLogin     bool  `json:"noLogin"`
	MaxFileSize int64 `json:"maxFileSize"`
}

// Outbound messages. Each carries its own type tag so that a push can be
// logged and counted without reflection.

type SettingsMsg struct {
	Type     string   `json:"type"`
	VID      int      `json:"vId"`
	Settings Settings `json:"settings"`
}

type UpdateDirectoryMsg struct {
	Type   string  `json:"type"`
	VID    int     `json:"vId"`
	Folder string  `json:"folder"`
	Data   Listing `json:"data"`
	Sizes  bool    `json:"sizes,omitempty"`
}

type UpdateBeFileMsg struct {
	Type   string `json:"type"`
	VID    int    `json:"vId"`
	File   string `json:"file"`
	Folder string `json:"folder"`
	IsFile bool   `json:"isFile"`
}

type UploadDoneMsg struct {
	Type string `json:"type"`
	VID  int    `json:"vId"`
}

type ShortlinkMsg struct {
	Type string `json:"type"`
	VID  int    `json:"vId"`
	Link string `json:"link"`
}

type UserListMsg struct {
	Type  string          `json:"type"`
	VID   int             `json:"vId"`
	Users map[string]bool `json:"users"`
}

type SaveStatusMsg struct {
	Type   string `json:"type"`
	VID    int    `json:"vId"`
	Status int    `json:"status"` // 0 = saved, 1 = failed
}

type ErrorMsg struct {
	Type string `json:"type"`
	VID  int    `json:"vId"`
	Text string `json:"text"`
}

// Message is any outbound message.
type Message interface {
	MessageType() string
}

func (m SettingsMsg) MessageType() string        { return m.Type }
func (m UpdateDirectoryMsg) MessageType() string { return m.Type }
func (m UpdateBeFileMsg) MessageType() string    { return m.Type }
func (m UploadDoneMsg) MessageType() string      { return m.Type }
func (m ShortlinkMsg) MessageType() string       { return m.Type }
func (m UserListMsg) MessageType() string        { return m.Type }
func (m SaveStatusMsg) MessageType() string      { return m.Type }
func (m ErrorMsg) MessageType() string           { return m.Type }

func NewError(vID int, text string) ErrorMsg {
	return ErrorMsg{Type: TypeError, VID: vID, Text: text}
}
