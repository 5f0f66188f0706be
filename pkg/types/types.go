package types

import (
	"time"
)

// ExamStatus mirrors the lifecycle owned by the exam subsystem
type ExamStatus string

const (
	ExamStatusUpcoming ExamStatus = "UP_COMING"
	ExamStatusRunning  ExamStatus = "RUNNING"
	ExamStatusFinished ExamStatus = "FINISHED"
	ExamStatusArchived ExamStatus = "ARCHIVED"
)

// ProviderType selects the proctoring service bound to an exam
type ProviderType string

const (
	ProviderJitsi            ProviderType = "JITSI_MEET"
	ProviderZoom             ProviderType = "ZOOM"
	ProviderScreenProctoring ProviderType = "SCREEN_PROCTORING"
)

// CollectingStrategy governs how many collecting groups exist for an exam
type CollectingStrategy string

const (
	StrategyExam           CollectingStrategy = "EXAM"
	StrategyApplySEBGroups CollectingStrategy = "APPLY_SEB_GROUPS"
	StrategySEBGroup       CollectingStrategy = "SEB_GROUP"
	StrategyFixSize        CollectingStrategy = "FIX_SIZE"
)

// ConnectionStatus of an exam client session
type ConnectionStatus string

const (
	ConnectionRequested ConnectionStatus = "CONNECTION_REQUESTED"
	ConnectionActive    ConnectionStatus = "ACTIVE"
	ConnectionClosed    ConnectionStatus = "CLOSED"
	ConnectionDisabled  ConnectionStatus = "DISABLED"
)

// InstructionType identifies what an exam client should do with an instruction
type InstructionType string

const (
	InstructionProctoring       InstructionType = "SEB_PROCTORING"
	InstructionReconfigure      InstructionType = "SEB_RECONFIGURE_SETTINGS"
	InstructionScreenProctoring InstructionType = "SEB_SCREEN_PROCTORING"
)

// Exam attribute keys owned by this service
const (
	AttrProctoringSettings = "proctoringSettings"
	AttrRemoteAccessData   = "spsAccessData"
	AttrRemoteExamActive   = "spsExamActive"
)

// Exam is read-only here apart from the attribute bag and the update mark
// FUNCTIONAL DISCOVERY: EndTime is optional, token horizons fall back to a default when unknown
type Exam struct {
	ID            int64             `json:"id"`
	InstitutionID int64             `json:"institution_id"`
	Name          string            `json:"name"`
	Status        ExamStatus        `json:"status"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
	NeedsUpdate   bool              `json:"needs_update"`
}

// IsRunning reports whether the exam is in the RUNNING state
func (e *Exam) IsRunning() bool {
	return e != nil && e.Status == ExamStatusRunning
}

// ProctoringSettings bind one exam to one provider.
// Secret fields hold ciphertext produced by the Cryptor and are only
// decrypted inside a single remote call or signing step.
type ProctoringSettings struct {
	ExamID              int64              `json:"exam_id"`
	Enabled             bool               `json:"enabled"`
	ServerType          ProviderType       `json:"server_type"`
	ServerURL           string             `json:"server_url"`
	CollectingRoomSize  int                `json:"collecting_room_size"`
	Strategy            CollectingStrategy `json:"collecting_strategy"`
	CollectingGroupName string             `json:"collecting_group_name,omitempty"`
	SEBGroupIDs         []int64            `json:"seb_group_ids,omitempty"`

	AppKey          string `json:"app_key,omitempty"`
	AppSecret       string `json:"app_secret,omitempty"`
	SDKKey          string `json:"sdk_key,omitempty"`
	SDKSecret       string `json:"sdk_secret,omitempty"`
	AccountID       string `json:"account_id,omitempty"`
	AccountPassword string `json:"account_password,omitempty"`
}

// RemoteAccessRecord holds identifiers a provider assigned to an exam.
// Stored CBOR-encoded and encrypted as a single exam attribute.
type RemoteAccessRecord struct {
	UserPassword      string `cbor:"1,keyasint" json:"-"`
	SEBAccessUUID     string `cbor:"2,keyasint" json:"-"`
	SEBAccessName     string `cbor:"3,keyasint" json:"-"`
	SEBAccessPassword string `cbor:"4,keyasint" json:"-"`
	ExamUUID          string `cbor:"5,keyasint" json:"-"`
}

// ProctoringRoom is a collecting, break-out or town-hall room
// ARCHITECTURAL DISCOVERY: AdditionalData is opaque here, only the owning provider adapter parses it
type ProctoringRoom struct {
	ID                  int64     `json:"id"`
	ExamID              int64     `json:"exam_id"`
	Name                string    `json:"name"`
	Size                int       `json:"size"`
	Subject             string    `json:"subject"`
	IsTownhall          bool      `json:"townhall"`
	BreakOutConnections []string  `json:"break_out_connections,omitempty"`
	JoinKey             string    `json:"-"`
	AdditionalData      string    `json:"-"`
	IsOpen              bool      `json:"open"`
	CreatedAt           time.Time `json:"created_at"`
}

// IsBreakOut reports whether the room was opened for an explicit subset of connections
func (r *ProctoringRoom) IsBreakOut() bool {
	return !r.IsTownhall && len(r.BreakOutConnections) > 0
}

// IsCollecting reports whether the room is a capacity pool
func (r *ProctoringRoom) IsCollecting() bool {
	return !r.IsTownhall && len(r.BreakOutConnections) == 0
}

// ProctoringGroup is the local record of a screen proctoring group
type ProctoringGroup struct {
	ID            int64     `json:"id"`
	ExamID        int64     `json:"exam_id"`
	UUID          string    `json:"uuid"`
	Name          string    `json:"name"`
	Size          int       `json:"size"`
	Capacity      int       `json:"capacity"`
	IsFallback    bool      `json:"fallback"`
	ClientGroupID int64     `json:"seb_group_id,omitempty"`
	Data          string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// RemoteGroup is a group as reported by the screen proctoring service
type RemoteGroup struct {
	UUID        string `json:"uuid"`
	ExamUUID    string `json:"examUUID,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ClientGroup is a selectable grouping of exam clients owned by the exam subsystem
type ClientGroup struct {
	ID     int64  `json:"id"`
	ExamID int64  `json:"exam_id"`
	Name   string `json:"name"`
}

// ClientConnection is one exam client session.
// RoomID and GroupID hold the reserved collecting slot, if any.
type ClientConnection struct {
	ID              int64            `json:"id"`
	Token           string           `json:"connection_token"`
	ExamID          int64            `json:"exam_id"`
	ClientGroupID   int64            `json:"seb_group_id,omitempty"`
	UserSessionID   string           `json:"user_session_id"`
	Status          ConnectionStatus `json:"status"`
	RoomID          *int64           `json:"room_id,omitempty"`
	GroupID         *int64           `json:"group_id,omitempty"`
	NeedsRoomUpdate bool             `json:"needs_room_update"`
	CreatedAt       time.Time        `json:"created_at"`
}

// IsActive reports whether the client is connected and taking the exam
func (c *ClientConnection) IsActive() bool {
	return c.Status == ConnectionActive
}

// RoomHandle is what a provider returns when it allocates a room
type RoomHandle struct {
	Name           string `json:"name"`
	Subject        string `json:"subject"`
	JoinKey        string `json:"-"`
	AdditionalData string `json:"-"`
}

// RoomConnection describes how one party joins one room. Never persisted.
type RoomConnection struct {
	ServerType      ProviderType `json:"server_type"`
	ConnectionToken string       `json:"connection_token,omitempty"`
	ServerHost      string       `json:"server_host,omitempty"`
	ServerURL       string       `json:"server_url"`
	RoomName        string       `json:"room_name"`
	Subject         string       `json:"subject,omitempty"`
	AccessToken     string       `json:"access_token,omitempty"`
	SDKToken        string       `json:"sdk_token,omitempty"`
	RoomKey         string       `json:"room_key,omitempty"`
	APIKey          string       `json:"api_key,omitempty"`
	MeetingID       string       `json:"meeting_id,omitempty"`
	UserName        string       `json:"user_name,omitempty"`
	AdditionalData  string       `json:"-"`
}

// Instruction is an attribute payload addressed to one client session
type Instruction struct {
	ID              string            `json:"id"`
	ExamID          int64             `json:"exam_id"`
	Type            InstructionType   `json:"type"`
	ConnectionToken string            `json:"connection_token"`
	Attributes      map[string]string `json:"attributes"`
	Urgent          bool              `json:"urgent"`
	CreatedAt       time.Time         `json:"created_at"`
	DeliveredAt     *time.Time        `json:"delivered_at,omitempty"`
}
