package resthttp

import (
	"context"
	"fmt"
	"log/slog"
)

// Do sends req, checks the status is 2xx and decodes the JSON body into
// target. A nil target discards the body.
func (c *Client) Do(ctx context.Context, req *Request, target any) error {
	res, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if err := res.EnsureSuccess(); err != nil {
		res.Release()
		return err
	}
	if target == nil {
		res.Release()
		return nil
	}
	err = res.Decode(ctx, target)
	if Debug && err != nil {
		slog.ErrorContext(ctx, fmt.Sprintf("failed to parse json: %s", err), "event", "resthttp:not_json", "resthttp:id", res.info.ID)
	}
	return err
}

// As is like Client.Do but returns the decoded value.
func As[T any](ctx context.Context, c *Client, req *Request) (T, error) {
	var target T
	err := c.Do(ctx, req, &target)
	return target, err
}

// ResponseAs decodes the body of res into a new value of type T.
func ResponseAs[T any](ctx context.Context, res *Response) (T, error) {
	var target T
	err := res.Decode(ctx, &target)
	return target, err
}
