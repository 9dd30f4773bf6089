package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Portal    PortalConfig    `yaml:"portal"`
	Splash    SplashConfig    `yaml:"splash"`
	Mailbox   MailboxConfig   `yaml:"mailbox"`
	Gateway   GatewayConfig   `yaml:"sms_gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	TestMode  bool            `yaml:"test_mode"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection configuration
type DatabaseConfig struct {
	URL                string `yaml:"url"`
	MaxOpenConns       int    `yaml:"max_open_conns"`
	MaxIdleConns       int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the configured connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMin) * time.Minute
}

// RedisConfig holds Redis connection configuration for distributed locks
type RedisConfig struct {
	URL string `yaml:"url"`
}

// PortalConfig holds everything needed to drive the correspondence portal:
// base URL, page paths, the ASP.NET element ids and selectors the scraping
// layer keys on, fingerprint headers, and the optional outbound proxy.
// The element defaults match the portal as deployed today; they are config
// because the portal ships markup changes without notice.
type PortalConfig struct {
	BaseURL            string `yaml:"base_url"`
	LoginPath          string `yaml:"login_path"`
	InboxPath          string `yaml:"inbox_path"`
	NewMessagePath     string `yaml:"new_message_path"`
	PendingContactPath string `yaml:"pending_contact_path"`

	UserAgent string `yaml:"user_agent"`

	// When UseAlternateLogin is set, the alternate pair below overrides
	// every bot's own portal credentials.
	UseAlternateLogin bool   `yaml:"use_alternate_login"`
	AlternateUsername string `yaml:"alternate_username"`
	AlternatePassword string `yaml:"alternate_password"`

	LoginUsernameFieldID string `yaml:"login_username_field_id"`
	LoginPasswordFieldID string `yaml:"login_password_field_id"`
	LoginButtonID        string `yaml:"login_button_id"`
	LoginButtonText      string `yaml:"login_button_text"`

	ViewstateField     string `yaml:"viewstate_field"`
	RowsSelector       string `yaml:"rows_selector"`
	RowFromSelector    string `yaml:"row_from_selector"`
	RowSubjectSelector string `yaml:"row_subject_selector"`
	RowDateSelector    string `yaml:"row_date_selector"`
	InboxEventTarget   string `yaml:"inbox_event_target"`
	ScriptManagerKey   string `yaml:"script_manager_key"`
	ScriptManagerValue string `yaml:"script_manager_value"`
	UpdatePanelID      string `yaml:"update_panel_id"`

	FromTextBoxID    string `yaml:"from_text_box_id"`
	DateTextBoxID    string `yaml:"date_text_box_id"`
	SubjectTextBoxID string `yaml:"subject_text_box_id"`
	MessageTextBoxID string `yaml:"message_text_box_id"`

	ComposeMessageBoxID string `yaml:"compose_message_box_id"`
	ComposeSendButtonID string `yaml:"compose_send_button_id"`
	ComposePicInputID   string `yaml:"compose_pic_input_id"`

	InviteCodeBoxID      string `yaml:"invite_code_box_id"`
	InviteGoButtonID     string `yaml:"invite_go_button_id"`
	PersonInCustodyDivID string `yaml:"person_in_custody_div_id"`
	InviteAcceptButtonID string `yaml:"invite_accept_button_id"`
	RecordNotFoundSpanID string `yaml:"record_not_found_span_id"`

	// Cookies that never change between sessions (edge/anti-bot cookies).
	// They are pinned on every session and excluded from captured state.
	StaticCookies map[string]string `yaml:"static_cookies"`

	UseProxy     bool   `yaml:"use_proxy"`
	ProxyURL     string `yaml:"proxy_url"`
	IPEchoURL    string `yaml:"ip_echo_url"`
	IPEchoURLTLS string `yaml:"ip_echo_url_tls"`

	TimeoutSeconds       int `yaml:"timeout_seconds"`
	MaxReplyRetries      int `yaml:"max_reply_retries"`
	MaxNewMessageRetries int `yaml:"max_new_message_retries"`
	MaxInviteRetries     int `yaml:"max_invite_retries"`
}

// Timeout returns the configured timeout as a duration
func (c PortalConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// URL joins the portal base URL with a page path.
func (c PortalConfig) URL(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// CookieDomain returns the host portion of the base URL, used when
// installing session cookies into the headless browser.
func (c PortalConfig) CookieDomain() string {
	u := c.BaseURL
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	if i := strings.IndexAny(u, "/:"); i >= 0 {
		u = u[:i]
	}
	return u
}

// SplashConfig holds the headless browser rendering service configuration
type SplashConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c SplashConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MailboxConfig holds the shared info-account IMAP configuration. Bots with
// their own mailbox credentials override host/username/password per bot.
type MailboxConfig struct {
	Host                 string `yaml:"host"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	SearchSubject        string `yaml:"search_subject"`
	SearchSubjectBroader string `yaml:"search_subject_broader"`
	SearchDaysBack       int    `yaml:"search_days_back"`
}

// GatewayConfig holds the SMS gateway endpoints and retry policy
type GatewayConfig struct {
	SendURL           string `yaml:"send_url"`
	StatusURL         string `yaml:"status_url"`
	QuotaURL          string `yaml:"quota_url"`
	Key               string `yaml:"key"`
	ReplyWebhookURL   string `yaml:"reply_webhook_url"`
	MaxRetries        int    `yaml:"max_retries"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds"`
	QuotaThreshold    int    `yaml:"quota_threshold"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

// RetryDelay returns the delay between delivery status checks as a duration
func (c GatewayConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// Timeout returns the configured timeout as a duration
func (c GatewayConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SchedulerConfig holds the bot pipeline scheduling configuration
type SchedulerConfig struct {
	IntervalMinutes   int `yaml:"interval_minutes"`
	JitterMinSeconds  int `yaml:"jitter_min_seconds"`
	JitterMaxSeconds  int `yaml:"jitter_max_seconds"`
	LockTTLSeconds    int `yaml:"lock_ttl_seconds"`
	MaxConcurrentBots int `yaml:"max_concurrent_bots"`
}

// Interval returns the tick interval as a duration
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// LockTTL returns the per-bot lock TTL as a duration
func (c SchedulerConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// WebhookConfig holds the inbound SMS webhook token configuration
type WebhookConfig struct {
	Secret             string `yaml:"secret"`
	TokenMaxAgeSeconds int    `yaml:"token_max_age_seconds"`
}

// TokenMaxAge returns the token validity window as a duration
func (c WebhookConfig) TokenMaxAge() time.Duration {
	return time.Duration(c.TokenMaxAgeSeconds) * time.Second
}

// AlertsConfig holds SES configuration for operator alert emails
type AlertsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	FromEmail      string `yaml:"from_email"`
	AdminEmail     string `yaml:"admin_email"`
	AdminName      string `yaml:"admin_name"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured timeout as a duration
func (c AlertsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ArtifactsConfig holds test-mode render artifact storage configuration
type ArtifactsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	LocalDir  string `yaml:"local_dir"`
	S3Bucket  string `yaml:"s3_bucket"`
	S3Region  string `yaml:"s3_region"`
	KeyPrefix string `yaml:"key_prefix"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMin == 0 {
		cfg.Database.ConnMaxLifetimeMin = 5
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
	}

	applyPortalDefaults(&cfg.Portal)

	if cfg.Splash.TimeoutSeconds == 0 {
		cfg.Splash.TimeoutSeconds = 90
	}
	if cfg.Mailbox.SearchSubject == "" {
		cfg.Mailbox.SearchSubject = "Person in Custody:"
	}
	if cfg.Mailbox.SearchSubjectBroader == "" {
		cfg.Mailbox.SearchSubjectBroader = "Custody"
	}
	if cfg.Mailbox.SearchDaysBack == 0 {
		cfg.Mailbox.SearchDaysBack = 3
	}
	if cfg.Gateway.MaxRetries == 0 {
		cfg.Gateway.MaxRetries = 3
	}
	if cfg.Gateway.RetryDelaySeconds == 0 {
		cfg.Gateway.RetryDelaySeconds = 120
	}
	if cfg.Gateway.TimeoutSeconds == 0 {
		cfg.Gateway.TimeoutSeconds = 30
	}
	if cfg.Scheduler.IntervalMinutes == 0 {
		cfg.Scheduler.IntervalMinutes = 10
	}
	if cfg.Scheduler.JitterMinSeconds == 0 {
		cfg.Scheduler.JitterMinSeconds = 5
	}
	if cfg.Scheduler.JitterMaxSeconds == 0 {
		cfg.Scheduler.JitterMaxSeconds = 10
	}
	if cfg.Scheduler.LockTTLSeconds == 0 {
		cfg.Scheduler.LockTTLSeconds = 300
	}
	if cfg.Scheduler.MaxConcurrentBots == 0 {
		cfg.Scheduler.MaxConcurrentBots = 4
	}
	if cfg.Webhook.TokenMaxAgeSeconds == 0 {
		cfg.Webhook.TokenMaxAgeSeconds = 86400
	}
	if cfg.Alerts.Region == "" {
		cfg.Alerts.Region = "us-west-2"
	}
	if cfg.Alerts.TimeoutSeconds == 0 {
		cfg.Alerts.TimeoutSeconds = 30
	}
	if cfg.Artifacts.LocalDir == "" {
		cfg.Artifacts.LocalDir = "artifacts"
	}

	return &cfg, nil
}

func applyPortalDefaults(p *PortalConfig) {
	if p.LoginPath == "" {
		p.LoginPath = "/Login.aspx"
	}
	if p.InboxPath == "" {
		p.InboxPath = "/Inbox.aspx"
	}
	if p.NewMessagePath == "" {
		p.NewMessagePath = "/NewMessage.aspx"
	}
	if p.PendingContactPath == "" {
		p.PendingContactPath = "/PendingContact.aspx"
	}
	if p.UserAgent == "" {
		p.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	}
	if p.LoginUsernameFieldID == "" {
		p.LoginUsernameFieldID = "ctl00$mainContentPlaceHolder$loginUserNameTextBox"
	}
	if p.LoginPasswordFieldID == "" {
		p.LoginPasswordFieldID = "ctl00$mainContentPlaceHolder$loginPasswordTextBox"
	}
	if p.LoginButtonID == "" {
		p.LoginButtonID = "ctl00$mainContentPlaceHolder$loginButton"
	}
	if p.LoginButtonText == "" {
		p.LoginButtonText = "Login >>"
	}
	if p.ViewstateField == "" {
		p.ViewstateField = "__COMPRESSEDVIEWSTATE"
	}
	if p.RowsSelector == "" {
		p.RowsSelector = `tr[onmouseover^="this.className='MessageDataGrid ItemHighlighted'"]`
	}
	if p.RowFromSelector == "" {
		p.RowFromSelector = "th.MessageDataGrid.Item a.tooltip span"
	}
	if p.RowSubjectSelector == "" {
		p.RowSubjectSelector = "td.MessageDataGrid.Item a.tooltip span"
	}
	if p.RowDateSelector == "" {
		p.RowDateSelector = "td.MessageDataGrid.Item:nth-child(4)"
	}
	if p.InboxEventTarget == "" {
		p.InboxEventTarget = "ctl00$mainContentPlaceHolder$inboxGridView"
	}
	if p.ScriptManagerKey == "" {
		p.ScriptManagerKey = "ctl00$topScriptManager"
	}
	if p.ScriptManagerValue == "" {
		p.ScriptManagerValue = "ctl00$mainContentPlaceHolder$inboxGridView"
	}
	if p.UpdatePanelID == "" {
		p.UpdatePanelID = "ctl00_topUpdatePanel"
	}
	if p.FromTextBoxID == "" {
		p.FromTextBoxID = "ctl00_mainContentPlaceHolder_fromTextBox"
	}
	if p.DateTextBoxID == "" {
		p.DateTextBoxID = "ctl00_mainContentPlaceHolder_dateTextBox"
	}
	if p.SubjectTextBoxID == "" {
		p.SubjectTextBoxID = "ctl00_mainContentPlaceHolder_subjectTextBox"
	}
	if p.MessageTextBoxID == "" {
		p.MessageTextBoxID = "ctl00_mainContentPlaceHolder_messageTextBox"
	}
	if p.ComposeMessageBoxID == "" {
		p.ComposeMessageBoxID = "ctl00_mainContentPlaceHolder_messageTextBox"
	}
	if p.ComposeSendButtonID == "" {
		p.ComposeSendButtonID = "ctl00_mainContentPlaceHolder_sendMessageButton"
	}
	if p.ComposePicInputID == "" {
		p.ComposePicInputID = "ctl00_mainContentPlaceHolder_addressBox"
	}
	if p.InviteCodeBoxID == "" {
		p.InviteCodeBoxID = "ctl00_mainContentPlaceHolder_PendingContactUC1_InmateNumberTextBox"
	}
	if p.InviteGoButtonID == "" {
		p.InviteGoButtonID = "ctl00_mainContentPlaceHolder_PendingContactUC1_SearchButton"
	}
	if p.PersonInCustodyDivID == "" {
		p.PersonInCustodyDivID = "ctl00_mainContentPlaceHolder_PendingContactUC1_InmateInformationDiv"
	}
	if p.InviteAcceptButtonID == "" {
		p.InviteAcceptButtonID = "ctl00_mainContentPlaceHolder_PendingContactUC1_AcceptButton"
	}
	if p.RecordNotFoundSpanID == "" {
		p.RecordNotFoundSpanID = "ctl00_mainContentPlaceHolder_PendingContactUC1_RecordNotFoundLabel"
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = 60
	}
	if p.MaxReplyRetries == 0 {
		p.MaxReplyRetries = 3
	}
	if p.MaxNewMessageRetries == 0 {
		p.MaxNewMessageRetries = 3
	}
	if p.MaxInviteRetries == 0 {
		p.MaxInviteRetries = 3
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("PORTAL_BASE_URL"); v != "" {
		cfg.Portal.BaseURL = v
	}
	if v := os.Getenv("PORTAL_PROXY_URL"); v != "" {
		cfg.Portal.ProxyURL = v
	}
	if v := os.Getenv("PORTAL_USE_PROXY"); v != "" {
		cfg.Portal.UseProxy = parseBool(v)
	}
	if v := os.Getenv("PORTAL_USE_ALTERNATE_LOGIN"); v != "" {
		cfg.Portal.UseAlternateLogin = parseBool(v)
	}
	if v := os.Getenv("PORTAL_ALTERNATE_USERNAME"); v != "" {
		cfg.Portal.AlternateUsername = v
	}
	if v := os.Getenv("PORTAL_ALTERNATE_PASSWORD"); v != "" {
		cfg.Portal.AlternatePassword = v
	}
	if v := os.Getenv("SPLASH_URL"); v != "" {
		cfg.Splash.URL = v
	}
	if v := os.Getenv("MAILBOX_HOST"); v != "" {
		cfg.Mailbox.Host = v
	}
	if v := os.Getenv("MAILBOX_USERNAME"); v != "" {
		cfg.Mailbox.Username = v
	}
	if v := os.Getenv("MAILBOX_PASSWORD"); v != "" {
		cfg.Mailbox.Password = v
	}
	if v := os.Getenv("SMS_SEND_URL"); v != "" {
		cfg.Gateway.SendURL = v
	}
	if v := os.Getenv("SMS_STATUS_URL"); v != "" {
		cfg.Gateway.StatusURL = v
	}
	if v := os.Getenv("SMS_QUOTA_URL"); v != "" {
		cfg.Gateway.QuotaURL = v
	}
	if v := os.Getenv("SMS_GATEWAY_KEY"); v != "" {
		cfg.Gateway.Key = v
	}
	if v := os.Getenv("REPLY_WEBHOOK_URL"); v != "" {
		cfg.Gateway.ReplyWebhookURL = v
	}
	if v := os.Getenv("SMS_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.MaxRetries = n
		}
	}
	if v := os.Getenv("SMS_RETRY_DELAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.RetryDelaySeconds = n
		}
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("ALERTS_ACCESS_KEY"); v != "" {
		cfg.Alerts.AccessKey = v
	}
	if v := os.Getenv("ALERTS_SECRET_KEY"); v != "" {
		cfg.Alerts.SecretKey = v
	}
	if v := os.Getenv("ALERTS_ADMIN_EMAIL"); v != "" {
		cfg.Alerts.AdminEmail = v
	}
	if v := os.Getenv("ARTIFACTS_S3_BUCKET"); v != "" {
		cfg.Artifacts.S3Bucket = v
	}
	if v := os.Getenv("TEST_MODE"); v != "" {
		cfg.TestMode = parseBool(v)
	}

	return cfg, nil
}

func parseBool(v string) bool {
	return v == "true" || v == "True" || v == "1"
}
