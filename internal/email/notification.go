package email

// Notification is a single send request. It is built by the caller and not
// modified while it is processed.
type Notification struct {
	To      string      `json:"to" validate:"required"`
	From    string      `json:"from,omitempty"`
	Cc      AddressLike `json:"cc,omitempty"`
	Bcc     AddressLike `json:"bcc,omitempty"`
	Channel string      `json:"channel"`
	// Template selects a catalog template. Empty means the literal content
	// is sent verbatim.
	Template    string       `json:"template"`
	Data        any          `json:"data,omitempty"`
	Content     *Content     `json:"content,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"dive"`
}

// Content carries the literal subject and bodies of a notification.
type Content struct {
	Subject string `json:"subject,omitempty"`
	Text    string `json:"text,omitempty"`
	HTML    string `json:"html,omitempty"`
}

// SenderConfig is the static configuration merged into every send.
type SenderConfig struct {
	From        string            `yaml:"from" envconfig:"SENDER_FROM"`
	To          AddressLike       `yaml:"to" envconfig:"SENDER_TO"`
	Cc          AddressLike       `yaml:"cc" envconfig:"SENDER_CC"`
	Bcc         AddressLike       `yaml:"bcc" envconfig:"SENDER_BCC"`
	ReplyTo     AddressLike       `yaml:"reply_to" envconfig:"SENDER_REPLY_TO"`
	Headers     map[string]string `yaml:"headers" envconfig:"SENDER_HEADERS"`
	Priority    string            `yaml:"priority" envconfig:"SENDER_PRIORITY" validate:"omitempty,oneof=high normal low"`
	Attachments []Attachment      `yaml:"attachments" ignored:"true" validate:"dive"`
}
