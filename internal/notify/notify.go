package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ccom-scheduler/internal/store"
)

const (
	titleSuccess = "钢琴琴房预约成功"
	titleFailure = "钢琴琴房预约失败"
	titleCancel  = "钢琴琴房预约已取消"

	icon  = "https://yuyue.ccom.edu.cn/favicon.ico"
	group = "ccom"
)

// Client pushes outcome messages through a Bark-style relay: one POST per
// message to <base>/<push key> with form fields title, body, icon, group.
type Client struct {
	hc      *http.Client
	baseURL string
	enabled bool
}

func New(baseURL string, enabled bool) *Client {
	return &Client{
		hc:      &http.Client{Timeout: 10 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		enabled: enabled,
	}
}

// Notify delivers rec's outcome to user. Users without a push key are
// skipped silently; they opted out.
func (c *Client) Notify(ctx context.Context, user store.User, room store.Room, rec store.HistoryRecord) error {
	if !c.enabled || user.PushKey == "" {
		return nil
	}

	title := titleFailure
	if rec.Status == store.StatusSuccessful {
		title = titleSuccess
		if strings.Contains(rec.Message, "cancelled") {
			title = titleCancel
		}
	}

	body := fmt.Sprintf("%s %s-%s %s：%s",
		rec.Date.Format("2006-01-02"), rec.StartTime, rec.EndTime, room.Name, rec.Message)

	form := url.Values{
		"title": {title},
		"body":  {body},
		"icon":  {icon},
		"group": {group},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/"+url.PathEscape(user.PushKey),
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push: relay returned %d", resp.StatusCode)
	}
	return nil
}
