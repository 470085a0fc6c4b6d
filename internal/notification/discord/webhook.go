package discord

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/assist-by/bulwark/internal/notification"
)

// Client는 Discord 웹훅 알림 클라이언트입니다
type Client struct {
	http         *resty.Client
	tradeWebhook string
	errorWebhook string
	infoWebhook  string
	now          func() time.Time
}

// ClientOption은 클라이언트 생성 옵션을 정의합니다
type ClientOption func(*Client)

// WithTimeout은 HTTP 타임아웃을 설정합니다
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.http.SetTimeout(timeout)
	}
}

// WithRestyClient는 내부 HTTP 클라이언트를 교체합니다 (테스트용)
func WithRestyClient(rc *resty.Client) ClientOption {
	return func(c *Client) {
		c.http = rc
	}
}

// NewClient는 새로운 Discord 클라이언트를 생성합니다
func NewClient(tradeWebhook, errorWebhook, infoWebhook string, opts ...ClientOption) *Client {
	c := &Client{
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(1 * time.Second).
			SetRetryMaxWaitTime(5 * time.Second).
			AddRetryCondition(func(resp *resty.Response, err error) bool {
				// 레이트 리밋(429) 응답은 재시도
				return err == nil && resp.StatusCode() == 429
			}),
		tradeWebhook: tradeWebhook,
		errorWebhook: errorWebhook,
		infoWebhook:  infoWebhook,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ notification.Notifier = (*Client)(nil)

// SendError는 에러 알림을 전송합니다
func (c *Client) SendError(err error) error {
	embed := newEmbed("🚨 에러 발생", fmt.Sprintf("```%v```", err), notification.ColorError, c.now())
	return c.send(c.errorWebhook, WebhookMessage{Embeds: []Embed{embed}})
}

// SendWarning은 경고 알림을 전송합니다
func (c *Client) SendWarning(message string) error {
	embed := newEmbed("⚠️ 경고", message, notification.ColorWarning, c.now())
	return c.send(c.errorWebhook, WebhookMessage{Embeds: []Embed{embed}})
}

// SendInfo는 일반 정보 알림을 전송합니다
func (c *Client) SendInfo(message string) error {
	embed := newEmbed("", message, notification.ColorInfo, c.now())
	return c.send(c.infoWebhook, WebhookMessage{Embeds: []Embed{embed}})
}

// SendTradeInfo는 거래 실행 정보를 전송합니다
func (c *Client) SendTradeInfo(info notification.TradeInfo) error {
	embed := newEmbed(
		fmt.Sprintf("거래 실행: %s %s", info.Side, info.Market),
		fmt.Sprintf("**수량**: %.8f\n**평균가**: ₩%.2f\n**금액**: ₩%.0f", info.Quantity, info.Price, info.Amount),
		notification.GetColorForSide(info.Side),
		c.now(),
	).withField("전략", info.Strategy, true)

	if info.PnLPercent != nil {
		embed = embed.withField("실현 손익", fmt.Sprintf("%.2f%%", *info.PnLPercent), true)
	}
	if info.Reason != "" {
		embed = embed.withField("사유", info.Reason, false)
	}

	return c.send(c.tradeWebhook, WebhookMessage{Embeds: []Embed{embed}})
}

// send는 웹훅으로 메시지를 전송합니다
func (c *Client) send(webhookURL string, msg WebhookMessage) error {
	if webhookURL == "" {
		// 웹훅이 설정되지 않은 채널은 조용히 건너뜀
		return nil
	}

	resp, err := c.http.R().
		SetHeader("Content-Type", "application/json").
		SetBody(msg).
		Post(webhookURL)
	if err != nil {
		return fmt.Errorf("웹훅 요청 실패: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("웹훅 응답 에러(%d): %s", resp.StatusCode(), resp.String())
	}
	return nil
}
