package hitl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/insightflow/internal/tlsutil"
)

// NotifierConfig 外部提醒配置。
type NotifierConfig struct {
	SlackWebhookURL string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	EmailFrom       string
	DefaultEmailTo  string // 偏好里没有邮箱时的收件人
	RequestTimeout  time.Duration
}

// ChannelNotifier 干预请求的外部提醒：优先 Slack webhook，
// 失败时降级到邮件。受用户偏好过滤（静音类型、渠道开关）。
type ChannelNotifier struct {
	cfg    NotifierConfig
	prefs  PreferenceStore
	client *http.Client
	logger *zap.Logger
}

// NewChannelNotifier 创建外部提醒器。prefs 可为 nil（不做偏好过滤）。
func NewChannelNotifier(cfg NotifierConfig, prefs PreferenceStore, logger *zap.Logger) *ChannelNotifier {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChannelNotifier{
		cfg:    cfg,
		prefs:  prefs,
		client: tlsutil.SecureHTTPClient(cfg.RequestTimeout),
		logger: logger.With(zap.String("component", "hitl_notifier")),
	}
}

// NotifyRequired 发送「需要人工干预」提醒。尽力而为，失败只记日志。
func (n *ChannelNotifier) NotifyRequired(ctx context.Context, req *Request) {
	prefs := DefaultPreferences()
	userID, _ := req.Context["user_id"].(string)
	if n.prefs != nil && userID != "" {
		if p, err := n.prefs.Get(ctx, userID); err == nil {
			prefs = p
		}
	}
	if prefs.Muted(req.Type) {
		return
	}

	// Slack 优先；失败时邮件作为降级渠道（即便用户没开邮件提醒）
	emailFallback := false
	if prefs.NotifySlack && n.cfg.SlackWebhookURL != "" {
		if err := n.sendSlack(ctx, req); err == nil {
			return
		} else {
			n.logger.Warn("slack notification failed, falling back to email",
				zap.String("request_id", req.RequestID), zap.Error(err))
			emailFallback = true
		}
	}
	if !prefs.NotifyEmail && !emailFallback {
		return
	}
	to := prefs.Email
	if to == "" {
		to = n.cfg.DefaultEmailTo
	}
	if n.cfg.SMTPHost == "" || to == "" {
		return
	}
	if err := n.sendEmail(req, to); err != nil {
		n.logger.Warn("email notification failed",
			zap.String("request_id", req.RequestID), zap.Error(err))
	}
}

func (n *ChannelNotifier) sendSlack(ctx context.Context, req *Request) error {
	text := fmt.Sprintf(":raised_hand: Human intervention required\n*Type:* %s\n*Workflow:* %s\n*Deadline:* %s",
		req.Type, req.WorkflowID, req.TimeoutAt.UTC().Format(time.RFC3339))
	if sql, ok := req.Context["sql"].(string); ok && sql != "" {
		text += fmt.Sprintf("\n```%s```", sql)
	}
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.SlackWebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

func (n *ChannelNotifier) sendEmail(req *Request, to string) error {
	subject := fmt.Sprintf("Intervention required: %s (%s)", req.Type, req.WorkflowID)
	body := fmt.Sprintf("A workflow is waiting for your decision.\r\n\r\n"+
		"Request: %s\r\nWorkflow: %s\r\nType: %s\r\nDeadline: %s\r\n",
		req.RequestID, req.WorkflowID, req.Type, req.TimeoutAt.UTC().Format(time.RFC3339))
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		n.cfg.EmailFrom, to, subject, body)

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)
	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}
	return smtp.SendMail(addr, auth, n.cfg.EmailFrom, []string{to}, []byte(msg))
}
