package job

// ModelSelection picks models for the two role tiers. Empty fields fall back
// to the provider default.
type ModelSelection struct {
	Orchestrator string `json:"orchestrator_model,omitempty"`
	Item         string `json:"item_model,omitempty"`
}

// SinglePayload is the task body for TypeSingle. Without Labels the model
// answer itself becomes the label.
type SinglePayload struct {
	TextContent  string         `json:"text_content" validate:"required"`
	Labels       []string       `json:"labels,omitempty" validate:"omitempty,dive,required"`
	Instructions string         `json:"instructions,omitempty"`
	Provider     string         `json:"provider,omitempty" validate:"omitempty,oneof=provider_a provider_b provider_c"`
	Models       ModelSelection `json:"models"`
}

// BatchPayload is the task body for TypeBatch.
type BatchPayload struct {
	Items        []string       `json:"items" validate:"required,min=1,dive,required"`
	Labels       []string       `json:"labels" validate:"required,min=1,dive,required"`
	Instructions string         `json:"instructions,omitempty"`
	Provider     string         `json:"provider,omitempty" validate:"omitempty,oneof=provider_a provider_b provider_c"`
	Models       ModelSelection `json:"models"`
}

// SingleResult is the completion result for TypeSingle.
type SingleResult struct {
	Label    string `json:"label"`
	Raw      string `json:"raw,omitempty"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// ItemLabel is one entry of a batch result, in input order.
type ItemLabel struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
	Label string `json:"label"`
}

// BatchResult is the completion result for TypeBatch.
type BatchResult struct {
	Labels    []ItemLabel `json:"labels"`
	Guideline string      `json:"guideline,omitempty"`
	Model     string      `json:"model,omitempty"`
}
