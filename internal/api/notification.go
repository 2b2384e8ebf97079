package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/sakif/queue-companion/internal/model"
)

func (c *Client) FetchNotifications(ctx context.Context) ([]model.Notification, error) {
	var list []model.Notification
	if err := c.do(ctx, c.authed, http.MethodGet, "/notifications", nil, &list, "loading notifications"); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, c.authed, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read",
		nil, nil, "marking notification read")
}

func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	return c.do(ctx, c.authed, http.MethodDelete, "/notifications/"+url.PathEscape(id),
		nil, nil, "deleting notification")
}

// DeleteAllNotifications clears every notification in one call.
func (c *Client) DeleteAllNotifications(ctx context.Context) error {
	return c.do(ctx, c.authed, http.MethodDelete, "/notifications", nil, nil, "clearing notifications")
}
