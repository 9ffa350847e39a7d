package supervisor

import (
	"context"
	"io"

	firecracker "github.com/firecracker-microvm/firecracker-go-sdk"
	models "github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"
)

// Controller is the guest control channel.
type Controller interface {
	SendCtrlAltDel(ctx context.Context) error
}

// DialFunc opens a controller on the control socket at path.
type DialFunc func(path string) Controller

// apiController drives the Firecracker API over its unix socket.
type apiController struct {
	client *firecracker.Client
}

// DialAPI returns a controller backed by the Firecracker HTTP API.
func DialAPI(path string) Controller {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &apiController{client: firecracker.NewClient(path, logrus.NewEntry(logger), false)}
}

func (c *apiController) SendCtrlAltDel(ctx context.Context) error {
	_, err := c.client.CreateSyncAction(ctx, &models.InstanceActionInfo{
		ActionType: firecracker.String(models.InstanceActionInfoActionTypeSendCtrlAltDel),
	})
	return err
}
