package grpc_control

import (
	"context"

	"signal-hub/src/models"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls FanoutControl on a remote signal hub.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) call(ctx context.Context, method string, in, out any) error {
	req, err := toStruct(in)
	if err != nil {
		return err
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromStruct(resp, out)
}

// -----------------------------------------------------------------------------

func (c *Client) Subscribe(ctx context.Context, userID string, criteria models.MCriteria) (string, error) {
	var out struct {
		SubscriptionID string `json:"subscription_id"`
	}
	err := c.call(ctx, "Subscribe", subscribeRequest{UserID: userID, Criteria: criteria}, &out)
	return out.SubscriptionID, err
}

func (c *Client) Unsubscribe(ctx context.Context, subID string) error {
	return c.call(ctx, "Unsubscribe", map[string]string{"subscription_id": subID}, nil)
}

func (c *Client) Broadcast(ctx context.Context, event models.MEvent) (string, error) {
	var out struct {
		EventID string `json:"event_id"`
	}
	err := c.call(ctx, "Broadcast", event, &out)
	return out.EventID, err
}

func (c *Client) HealthSnapshot(ctx context.Context) (models.MHealthSnapshot, error) {
	var out models.MHealthSnapshot
	err := c.call(ctx, "HealthSnapshot", map[string]any{}, &out)
	return out, err
}

func (c *Client) ListRoutes(ctx context.Context) (map[string]string, error) {
	var out struct {
		Routes map[string]string `json:"routes"`
	}
	err := c.call(ctx, "ListRoutes", map[string]any{}, &out)
	return out.Routes, err
}

func (c *Client) SetRoute(ctx context.Context, route models.MRouteConfig) error {
	return c.call(ctx, "SetRoute", route, nil)
}
