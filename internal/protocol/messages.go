package protocol

import (
	"encoding/json"

	"viiru.dev/internal/project"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	// Subscribe asks for an EVENT after every applied change.
	Subscribe bool `json:"subscribe,omitempty"`
	MaxQueue  int  `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	SessionID       string    `json:"session_id"`
	Catalog         DigestRef `json:"catalog"`
	EditingTarget   string    `json:"editing_target,omitempty"`
	Seq             uint64    `json:"seq"`
}

type DigestRef struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
}

// CALL (client -> server)
type CallMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ReqID           string          `json:"req_id"`
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params,omitempty"`
}

// RESULT (server -> client)
type ResultMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ReqID           string          `json:"req_id"`
	OK              bool            `json:"ok"`
	Code            string          `json:"code,omitempty"`
	Message         string          `json:"message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
}

// EVENT (server -> subscribed clients)
type EventMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Seq             uint64          `json:"seq"`
	Change          json.RawMessage `json:"change"`
}

// Methods accepted in CALL.
const (
	MethodLoadProject        = "loadProject"
	MethodSaveProject        = "saveProject"
	MethodCreateBlock        = "createBlock"
	MethodDeleteBlock        = "deleteBlock"
	MethodSlideBlock         = "slideBlock"
	MethodAttachBlock        = "attachBlock"
	MethodDetachBlock        = "detachBlock"
	MethodChangeField        = "changeField"
	MethodChangeMutation     = "changeMutation"
	MethodGetAllBlocks       = "getAllBlocks"
	MethodGetVariablesOfType = "getVariablesOfType"
	MethodSetEditingTarget   = "setEditingTarget"
)

type PathParams struct {
	Path string `json:"path"`
}

type CreateBlockParams struct {
	Opcode   string `json:"opcode"`
	IsShadow bool   `json:"is_shadow,omitempty"`
	ID       string `json:"id,omitempty"`
}

type CreateBlockResult struct {
	ID string `json:"id"`
}

type BlockParams struct {
	ID string `json:"id"`
}

type SlideBlockParams struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

type AttachBlockParams struct {
	ID        string `json:"id"`
	NewParent string `json:"new_parent"`
	NewInput  string `json:"new_input,omitempty"`
	IsShadow  bool   `json:"is_shadow,omitempty"`
}

type ChangeFieldParams struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Value  string `json:"value"`
	DataID string `json:"data_id,omitempty"`
}

type ChangeMutationParams struct {
	ID       string           `json:"id"`
	Mutation project.Mutation `json:"mutation"`
}

type VariablesParams struct {
	Type project.VarType `json:"type"`
}

type TargetParams struct {
	Name string `json:"name"`
}
