package worker

import (
	"context"
	"encoding/json"

	"golang.org/x/oauth2"

	"github.com/seedvault/seedvault/pkg/errdefs"
	"github.com/seedvault/seedvault/pkg/security"
	"github.com/seedvault/seedvault/pkg/types"
	"github.com/seedvault/seedvault/pkg/upload"
)

// RemoteFactory builds the provider-side upload Remote for a storage
// profile, along with the engine settings that fit the provider.
type RemoteFactory interface {
	Remote(ctx context.Context, profile *types.StorageProfile) (upload.Remote, upload.Config, error)
}

// CredentialRemotes is the production RemoteFactory: it decrypts the
// profile's credential bag and builds the matching client.
type CredentialRemotes struct {
	vault    *security.CredentialVault
	oauth    *oauth2.Config
	drive    upload.DriveConfig
	partSize int64
}

// NewCredentialRemotes creates the factory. oauthCfg carries the Drive
// client id/secret used to refresh stored tokens.
func NewCredentialRemotes(vault *security.CredentialVault, oauthCfg *oauth2.Config, driveCfg upload.DriveConfig, partSize int64) *CredentialRemotes {
	return &CredentialRemotes{vault: vault, oauth: oauthCfg, drive: driveCfg, partSize: partSize}
}

func (f *CredentialRemotes) Remote(ctx context.Context, profile *types.StorageProfile) (upload.Remote, upload.Config, error) {
	cfg := upload.DefaultConfig()

	switch profile.Provider {
	case types.ProviderAwsS3:
		raw, err := f.vault.Decrypt(profile.Credentials)
		if err != nil {
			return nil, cfg, errdefs.Wrap(errdefs.CodeStorageError, err, "decrypt credentials for profile %d", profile.ID)
		}
		var s3cfg upload.S3Config
		if err := json.Unmarshal(raw, &s3cfg); err != nil {
			return nil, cfg, errdefs.Wrap(errdefs.CodeStorageError, err, "parse credentials for profile %d", profile.ID)
		}
		remote, err := upload.NewS3Remote(s3cfg)
		if err != nil {
			return nil, cfg, err
		}
		cfg.PartSize = f.partSize
		return remote, cfg, nil

	case types.ProviderGoogleDrive:
		tok, err := f.vault.DecryptToken(profile.Credentials)
		if err != nil {
			return nil, cfg, errdefs.Wrap(errdefs.CodeTokenExchangeFailed, err, "decrypt token for profile %d", profile.ID)
		}
		remote, err := upload.NewDriveRemote(ctx, f.oauth.Client(ctx, tok), f.drive)
		if err != nil {
			return nil, cfg, err
		}
		cfg.PartSize = upload.DriveChunkSize
		return remote, cfg, nil

	default:
		return nil, cfg, errdefs.New(errdefs.CodeStorageError, "no upload client for provider %q", profile.Provider)
	}
}
