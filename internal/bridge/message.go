package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"leafcap/internal/document"
)

// ErrUnknownMessage is returned for envelopes with an unrecognized type tag.
var ErrUnknownMessage = errors.New("unknown bridge message")

// Kind is the envelope type tag.
type Kind string

const (
	KindInstanceFound Kind = "INSTANCE_FOUND"
	KindCursorUpdate  Kind = "CURSOR_UPDATE"
	KindChange        Kind = "CHANGE"
	KindScriptLoaded  Kind = "INJECT_SCRIPT_LOADED"
)

// Info is the cursor payload carried by CURSOR_UPDATE and CHANGE.
// LineNumber is 1-based, as reported by the editor.
type Info struct {
	LineNumber  int    `json:"lineNumber"`
	Position    int    `json:"position"`
	LineContent string `json:"lineContent"`
}

// Cursor converts the payload to a zero-based document position.
func (i Info) Cursor() document.CursorPosition {
	line := i.LineNumber - 1
	if line < 0 {
		line = 0
	}
	return document.CursorPosition{Line: line, Character: i.Position}
}

// Message is one of InstanceFound, CursorUpdate, Change, ScriptLoaded.
type Message interface {
	Kind() Kind
}

// InstanceFound reports which editor generation the page script bound to.
// Version 0 means only the host document API is available.
type InstanceFound struct {
	Version int
}

// CursorUpdate is the periodic cursor poll.
type CursorUpdate struct {
	Info Info
}

// Change is emitted after each accepted edit.
type Change struct {
	Info Info
}

// ScriptLoaded is emitted once when the page script starts.
type ScriptLoaded struct{}

func (InstanceFound) Kind() Kind { return KindInstanceFound }
func (CursorUpdate) Kind() Kind  { return KindCursorUpdate }
func (Change) Kind() Kind        { return KindChange }
func (ScriptLoaded) Kind() Kind  { return KindScriptLoaded }

type envelope struct {
	Type Kind            `json:"type"`
	Info json.RawMessage `json:"info"`
}

type rawInfo struct {
	LineNumber  *int    `json:"lineNumber"`
	Position    *int    `json:"position"`
	LineContent *string `json:"lineContent"`
	Version     *int    `json:"version"`
}

// Decode validates an envelope and returns its typed variant.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case KindScriptLoaded:
		return ScriptLoaded{}, nil
	case KindInstanceFound:
		ri, err := decodeInfo(env)
		if err != nil {
			return nil, err
		}
		if ri.Version == nil {
			return nil, fmt.Errorf("%s: missing version", env.Type)
		}
		return InstanceFound{Version: *ri.Version}, nil
	case KindCursorUpdate, KindChange:
		ri, err := decodeInfo(env)
		if err != nil {
			return nil, err
		}
		if ri.LineNumber == nil || ri.Position == nil {
			return nil, fmt.Errorf("%s: missing lineNumber/position", env.Type)
		}
		if *ri.LineNumber < 1 || *ri.Position < 0 {
			return nil, fmt.Errorf("%s: invalid position %d:%d", env.Type, *ri.LineNumber, *ri.Position)
		}
		info := Info{LineNumber: *ri.LineNumber, Position: *ri.Position}
		if ri.LineContent != nil {
			info.LineContent = *ri.LineContent
		}
		if env.Type == KindChange {
			return Change{Info: info}, nil
		}
		return CursorUpdate{Info: info}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
}

func decodeInfo(env envelope) (rawInfo, error) {
	var ri rawInfo
	if len(env.Info) == 0 || string(env.Info) == "null" {
		return ri, fmt.Errorf("%s: missing info", env.Type)
	}
	if err := json.Unmarshal(env.Info, &ri); err != nil {
		return ri, fmt.Errorf("%s: decode info: %w", env.Type, err)
	}
	return ri, nil
}
