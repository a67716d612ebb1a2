package types

import "encoding/json"

type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	Name     string `json:"name" validate:"required"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type ProjectCreateRequest struct {
	Name      string `json:"name"`
	Framework string `json:"framework" validate:"required,oneof=react nextjs vue svelte static"`
	Prompt    string `json:"prompt" validate:"required"`
}

type BuildOutcomeRequest struct {
	Outcome string          `json:"outcome" validate:"required,oneof=success failure"`
	Version *VersionPayload `json:"version" validate:"required_if=Outcome success"`
	Reason  string          `json:"reason"`
}

type VersionPayload struct {
	Major          int     `json:"major" validate:"min=0"`
	Minor          int     `json:"minor" validate:"min=0"`
	Patch          int     `json:"patch" validate:"min=0"`
	Prerelease     string  `json:"prerelease"`
	ChangeType     string  `json:"change_type" validate:"omitempty,oneof=major minor patch"`
	Confidence     float64 `json:"confidence" validate:"min=0,max=1"`
	AutoClassified bool    `json:"auto_classified"`
}

type RollbackRequest struct {
	TargetVersionID string `json:"target_version_id" validate:"required,uuid"`
}

type EventAppendRequest struct {
	Actor           string          `json:"actor" validate:"required,oneof=client assistant advisor"`
	ClientMessageID *string         `json:"client_message_id" validate:"omitempty,min=1,max=128"`
	Payload         json.RawMessage `json:"payload" validate:"required"`
	Hidden          bool            `json:"hidden"`
}
