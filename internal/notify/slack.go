package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/johndauphine/pg-pg-migrate/internal/config"
)

const (
	appName      = "pg-pg-migrate"
	colorGood    = "#36a64f"
	colorWarning = "#ffc107"
	colorDanger  = "#dc3545"
	maxErrorLen  = 500
	sendTimeout  = 10 * time.Second
)

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color      string       `json:"color,omitempty"`
	Title      string       `json:"title,omitempty"`
	Text       string       `json:"text,omitempty"`
	Fields     []SlackField `json:"fields,omitempty"`
	Footer     string       `json:"footer,omitempty"`
	FooterIcon string       `json:"footer_icon,omitempty"`
	Timestamp  int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: sendTimeout,
		},
	}
}

// WithClient replaces the HTTP client used to reach the webhook.
func (n *Notifier) WithClient(c *http.Client) *Notifier {
	n.httpClient = c
	return n
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// MigrationStarted sends notification when migration starts
func (n *Notifier) MigrationStarted(runID string, sourceDB, targetDB string, tableCount int) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":rocket:",
		Attachments: []SlackAttachment{
			{
				Color: colorGood,
				Title: "Migration Started",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Tables", Value: fmt.Sprintf("%d", tableCount), Short: true},
					{Title: "Source", Value: sourceDB, Short: true},
					{Title: "Target", Value: targetDB, Short: true},
				},
				Footer:    appName,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// MigrationCompleted sends notification when a run finishes. A run with
// failed tables is reported as completed with errors.
func (n *Notifier) MigrationCompleted(summary RunSummary) error {
	if !n.IsEnabled() {
		return nil
	}
	if summary.TablesFailed > 0 {
		return n.send(completedWithErrorsMessage(n.config.Channel, n.getUsername(), summary))
	}

	throughput := int64(summary.Throughput())
	headerText := fmt.Sprintf("Migration completed successfully. Migrated %d tables with %s total rows. Throughput: %s rows/sec.",
		summary.TablesSucceeded, formatNumberWithCommas(summary.Rows), formatNumberWithCommas(throughput))

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":white_check_mark:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color: colorGood,
				Fields: []SlackField{
					{Title: "Run ID", Value: summary.RunID, Short: true},
					{Title: "Started", Value: summary.StartTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(summary.Duration), Short: true},
					{Title: "Tables", Value: fmt.Sprintf("%d", summary.TablesSucceeded), Short: true},
					{Title: "Skipped", Value: fmt.Sprintf("%d", summary.TablesSkipped), Short: true},
					{Title: "Total Rows", Value: formatNumberWithCommas(summary.Rows), Short: true},
					{Title: "Throughput", Value: fmt.Sprintf("%s rows/sec", formatNumberWithCommas(throughput)), Short: true},
				},
				Footer:    appName,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func completedWithErrorsMessage(channel, username string, summary RunSummary) SlackMessage {
	headerText := fmt.Sprintf("Migration completed with errors. %d tables succeeded, %d tables failed. Transferred %s rows. Throughput: %s rows/sec.",
		summary.TablesSucceeded, summary.TablesFailed, formatNumberWithCommas(summary.Rows),
		formatNumberWithCommas(int64(summary.Throughput())))

	return SlackMessage{
		Channel:   channel,
		Username:  username,
		IconEmoji: ":warning:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color: colorWarning,
				Fields: []SlackField{
					{Title: "Run ID", Value: summary.RunID, Short: true},
					{Title: "Started", Value: summary.StartTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(summary.Duration), Short: true},
					{Title: "Succeeded", Value: fmt.Sprintf("%d tables", summary.TablesSucceeded), Short: true},
					{Title: "Failed", Value: fmt.Sprintf("%d tables", summary.TablesFailed), Short: true},
					{Title: "Total Rows", Value: formatNumberWithCommas(summary.Rows), Short: true},
					{Title: "Failed Tables", Value: failureSummary(summary.Failures), Short: false},
				},
				Footer:    appName,
				Timestamp: time.Now().Unix(),
			},
		},
	}
}

// failureSummary lists up to five tables, then the first three and a count.
func failureSummary(failures []string) string {
	switch {
	case len(failures) == 0:
		return ""
	case len(failures) <= 5:
		return "Failed tables: " + strings.Join(failures, ", ")
	default:
		return fmt.Sprintf("Failed tables: %s... and %d more",
			strings.Join(failures[:3], ", "), len(failures)-3)
	}
}

// MigrationFailed sends notification when migration fails
func (n *Notifier) MigrationFailed(runID string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := truncateError(err)

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color: colorDanger,
				Title: "Migration Failed",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    appName,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// MigrationCompletedWithErrors sends notification when migration completes with some table failures
func (n *Notifier) MigrationCompletedWithErrors(runID string, startTime time.Time, duration time.Duration,
	successTables int, failedTables int, rowCount int64, throughput float64, failures []string) error {
	if !n.IsEnabled() {
		return nil
	}

	// Build failure summary
	failureSummary := ""
	if len(failures) > 0 {
		if len(failures) <= 5 {
			failureSummary = fmt.Sprintf("Failed tables: %s", failures[0])
			for i := 1; i < len(failures); i++ {
				failureSummary += ", " + failures[i]
			}
		} else {
			failureSummary = fmt.Sprintf("Failed tables: %s, %s, %s... and %d more",
				failures[0], failures[1], failures[2], len(failures)-3)
		}
	}

	headerText := fmt.Sprintf("Migration completed with errors. %d tables succeeded, %d tables failed. Transferred %s rows. Throughput: %s rows/sec.",
		successTables, failedTables, formatNumberWithCommas(rowCount), formatNumberWithCommas(int64(throughput)))

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Text:      headerText,
		Attachments: []SlackAttachment{
			{
				Color: colorWarning,
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Started", Value: startTime.UTC().Format("2006-01-02 15:04:05 UTC"), Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Succeeded", Value: fmt.Sprintf("%d tables", successTables), Short: true},
					{Title: "Failed", Value: fmt.Sprintf("%d tables", failedTables), Short: true},
					{Title: "Total Rows", Value: formatNumberWithCommas(rowCount), Short: true},
					{Title: "Failed Tables", Value: failureSummary, Short: false},
				},
				Footer:    appName,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// TableTransferFailed sends notification for individual table failures
func (n *Notifier) TableTransferFailed(runID, tableName string, err error) error {
	if !n.IsEnabled() {
		return nil
	}

	errMsg := truncateError(err)

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Attachments: []SlackAttachment{
			{
				Color: colorWarning,
				Title: "Table Transfer Failed",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Table", Value: tableName, Short: true},
					{Title: "Error", Value: errMsg, Short: false},
				},
				Footer:    appName,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building Slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func truncateError(err error) string {
	if err == nil {
		return "Unknown error"
	}
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen] + "..."
	}
	return msg
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return appName
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
