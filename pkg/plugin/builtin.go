package plugin

import (
	"OpenFAM-Supply/internal/supplier"
	"OpenFAM-Supply/internal/supplier/email"
	"OpenFAM-Supply/internal/supplier/ftp"
	"OpenFAM-Supply/internal/supplier/relay"
)

// FTPFactory builds FTP suppliers.
type FTPFactory struct{}

func (FTPFactory) Info() Info {
	return Info{
		Kind:         ftp.Kind,
		Name:         "FTP",
		Description:  "polls an FTP directory and downloads new files to a staging directory",
		Capabilities: []Capability{CapabilityNetwork, CapabilityFilesystem},
	}
}

func (FTPFactory) New(ctx *BuildContext) (supplier.Supplier, error) {
	var cfg ftp.Config
	if err := ctx.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = ctx.ID
	}
	opts := []ftp.Option{ftp.WithLogger(ctx.Logger)}
	if dial, ok := ctx.Resource("ftp.dialer"); ok {
		if d, ok := dial.(ftp.Dialer); ok {
			opts = append(opts, ftp.WithDialer(d))
		}
	}
	return ftp.New(cfg, opts...)
}

// RelayFactory builds context-menu relay suppliers.
type RelayFactory struct{}

func (RelayFactory) Info() Info {
	return Info{
		Kind:         relay.Kind,
		Name:         "Context menu",
		Description:  "accepts file selections relayed from the shell extension",
		Capabilities: []Capability{CapabilityListener, CapabilityFilesystem},
	}
}

func (RelayFactory) New(ctx *BuildContext) (supplier.Supplier, error) {
	var cfg relay.Config
	if err := ctx.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = ctx.ID
	}
	return relay.New(cfg, ctx.Logger)
}

// EmailFactory builds IMAP mailbox suppliers.
type EmailFactory struct{}

func (EmailFactory) Info() Info {
	return Info{
		Kind:         email.Kind,
		Name:         "Email",
		Description:  "downloads unseen messages from an IMAP folder",
		Capabilities: []Capability{CapabilityNetwork, CapabilityFilesystem},
	}
}

func (EmailFactory) New(ctx *BuildContext) (supplier.Supplier, error) {
	var cfg email.Config
	if err := ctx.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = ctx.ID
	}
	opts := []email.Option{email.WithLogger(ctx.Logger)}
	if dial, ok := ctx.Resource("email.dialer"); ok {
		if d, ok := dial.(email.Dialer); ok {
			opts = append(opts, email.WithDialer(d))
		}
	}
	return email.New(cfg, opts...)
}

// Builtin returns the factories compiled into the daemon.
func Builtin() []Factory {
	return []Factory{FTPFactory{}, RelayFactory{}, EmailFactory{}}
}
