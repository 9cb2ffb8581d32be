// ABOUTME: Matrix client creation and login by access token or password
// ABOUTME: Resolves the bot's user and device IDs, which E2EE setup needs

package matrix

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// deviceDisplayName names the session created by a password login.
const deviceDisplayName = "nebula-gateway"

// LoginOptions are the account credentials. AccessToken wins over a password.
type LoginOptions struct {
	Homeserver  string
	UserID      string
	AccessToken string
	DeviceID    string
	Username    string
	Password    string
}

// Login creates a client and authenticates it.
func Login(ctx context.Context, opts LoginOptions, logger *slog.Logger) (*mautrix.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mautrix.NewClient(opts.Homeserver, id.UserID(opts.UserID), opts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	if opts.AccessToken != "" {
		client.DeviceID = id.DeviceID(opts.DeviceID)
		if opts.UserID == "" || opts.DeviceID == "" {
			who, err := client.Whoami(ctx)
			if err != nil {
				return nil, fmt.Errorf("checking access token: %w", err)
			}
			client.UserID = who.UserID
			client.DeviceID = who.DeviceID
		}
		logger.Info("using access token", "user_id", client.UserID.String(), "device_id", client.DeviceID.String())
		return client, nil
	}

	resp, err := client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: opts.Username,
		},
		Password:                 opts.Password,
		DeviceID:                 id.DeviceID(opts.DeviceID),
		InitialDeviceDisplayName: deviceDisplayName,
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("password login: %w", err)
	}
	logger.Info("logged in", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())
	return client, nil
}
