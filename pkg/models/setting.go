package models

// Setting is a string-keyed JSON value. Keys are unique.
type Setting struct {
	Key   string `db:"key" json:"key"`
	Value string `db:"value" json:"value"`
}

// Known setting keys. Values are JSON-encoded.
const (
	// SettingRetentionDays holds the prune horizon in days (1–90, default 7).
	SettingRetentionDays = "retentionDays"
	// SettingWebhookURL holds the new-error webhook target, or "" to disable.
	SettingWebhookURL = "webhookUrl"
	// SettingIngestToken holds the shared secret checked against X-Errly-Token.
	SettingIngestToken = "errlyToken"
	// SettingServiceAliases holds a map of service name → display name.
	SettingServiceAliases = "serviceAliases"
)
