package models

import "time"

// Connection security modes for a mail server.
const (
	ConnectionTLS      = "TLS"
	ConnectionStartTLS = "STARTTLS"
)

// ServerSettings holds the connection parameters for one mail server.
type ServerSettings struct {
	Host       string `json:"host" validate:"required,hostname|ip"`
	Port       int    `json:"port" validate:"required,gt=0,lte=65535"`
	Username   string `json:"username" validate:"required"`
	Password   string `json:"password" validate:"required"`
	Connection string `json:"connection" validate:"required,oneof=TLS STARTTLS"`
}

// Secret is the decrypted credential payload for one account.
// It is never persisted in cleartext and never logged.
type Secret struct {
	Label        string         `json:"label,omitempty"`
	PrimaryEmail string         `json:"primaryEmail" validate:"required,email"`
	IMAP         ServerSettings `json:"imap" validate:"required"`
	SMTP         ServerSettings `json:"smtp" validate:"required"`
}

// Envelope is the ciphertext container for a Secret.
type Envelope struct {
	Version   int    `json:"version"`
	Algorithm string `json:"algorithm"`
	Salt      string `json:"salt"` // base64, 16 bytes
	IV        string `json:"iv"`   // base64, 12 bytes
	Tag       string `json:"tag"`  // base64, 16 bytes
	CT        string `json:"ct"`   // base64 ciphertext
}

// AccountRecord is the unit persisted under acc:{accountId}.
type AccountRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Enc       Envelope  `json:"enc"`
}

// CreateAccountRequest is the body of POST /mailbox/accounts.
type CreateAccountRequest struct {
	TenantID       string         `json:"tenantId" validate:"required"`
	Label          string         `json:"label,omitempty"`
	PrimaryEmail   string         `json:"primaryEmail" validate:"required,email"`
	IMAP           ServerSettings `json:"imap" validate:"required"`
	SMTP           ServerSettings `json:"smtp" validate:"required"`
	TestConnection bool           `json:"testConnection,omitempty"`
}

// Secret extracts the credential payload from the request.
func (r *CreateAccountRequest) Secret() Secret {
	return Secret{
		Label:        r.Label,
		PrimaryEmail: r.PrimaryEmail,
		IMAP:         r.IMAP,
		SMTP:         r.SMTP,
	}
}

// AccountSummary is one entry of a tenant listing. Passwords never appear here.
type AccountSummary struct {
	ID                 string    `json:"id"`
	TenantID           string    `json:"tenantId"`
	Label              string    `json:"label,omitempty"`
	PrimaryEmailMasked string    `json:"primaryEmailMasked"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// RedactedServerSettings mirrors ServerSettings with the password replaced by
// a presence flag.
type RedactedServerSettings struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	HasPassword bool   `json:"hasPassword"`
	Connection  string `json:"connection"`
}

// RedactedSecret is the includePasswords=false shape of an account's Secret.
type RedactedSecret struct {
	Label        string                 `json:"label,omitempty"`
	PrimaryEmail string                 `json:"primaryEmail"`
	IMAP         RedactedServerSettings `json:"imap"`
	SMTP         RedactedServerSettings `json:"smtp"`
}

// Redact converts a Secret into its password-free representation.
func (s Secret) Redact() RedactedSecret {
	redact := func(ss ServerSettings) RedactedServerSettings {
		return RedactedServerSettings{
			Host:        ss.Host,
			Port:        ss.Port,
			Username:    ss.Username,
			HasPassword: ss.Password != "",
			Connection:  ss.Connection,
		}
	}
	return RedactedSecret{
		Label:        s.Label,
		PrimaryEmail: s.PrimaryEmail,
		IMAP:         redact(s.IMAP),
		SMTP:         redact(s.SMTP),
	}
}

// AccountDetail is the response of GET /mailbox/accounts/{id}. Secret carries
// either the full Secret or a RedactedSecret depending on includePasswords.
type AccountDetail struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Secret    any       `json:"secret"`
}
