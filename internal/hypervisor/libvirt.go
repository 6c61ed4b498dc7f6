// Package hypervisor indexes and mutates the network interfaces of libvirt
// domains on this host.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/go-logr/logr"
)

var (
	// ErrDomainNotFound is returned when the named domain does not exist.
	ErrDomainNotFound = errors.New("domain not found")
	// ErrUnavailable is returned when libvirtd cannot be reached.
	ErrUnavailable = errors.New("hypervisor unavailable")
)

// Hypervisor is what the agent needs from libvirt.
type Hypervisor interface {
	// Domains returns all running and defined domains. A domain that could
	// not be described is returned without interfaces, along with an error.
	Domains(ctx context.Context) ([]Domain, error)
	AttachInterface(ctx context.Context, domain string, iface Interface) error
	DetachInterface(ctx context.Context, domain string, iface Interface) error
}

// libvirtAPI is the subset of *libvirt.Libvirt used here.
type libvirtAPI interface {
	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	DomainGetXMLDesc(Dom libvirt.Domain, Flags libvirt.DomainXMLFlags) (string, error)
	DomainLookupByName(Name string) (libvirt.Domain, error)
	DomainAttachDeviceFlags(Dom libvirt.Domain, XML string, Flags uint32) error
	DomainDetachDeviceFlags(Dom libvirt.Domain, XML string, Flags uint32) error
	Disconnect() error
}

// Options configures the libvirt connection.
type Options struct {
	URI        string
	SocketPath string
	Timeout    time.Duration
}

// Client implements Hypervisor over the libvirt RPC protocol. The
// connection is opened on first use and dropped whenever a call fails at
// the transport level, so the next call reconnects.
type Client struct {
	mu      sync.Mutex
	conn    libvirtAPI
	connect func() (libvirtAPI, error)
	logger  logr.Logger
}

var _ Hypervisor = &Client{}

// NewClient returns a Client for the local libvirtd socket.
func NewClient(opts Options, logger logr.Logger) *Client {
	if opts.URI == "" {
		opts.URI = string(libvirt.QEMUSystem)
	}
	return &Client{
		connect: func() (libvirtAPI, error) {
			dialOpts := []dialers.LocalOption{}
			if opts.SocketPath != "" {
				dialOpts = append(dialOpts, dialers.WithSocket(opts.SocketPath))
			}
			if opts.Timeout > 0 {
				dialOpts = append(dialOpts, dialers.WithLocalTimeout(opts.Timeout))
			}
			l := libvirt.NewWithDialer(dialers.NewLocal(dialOpts...))
			if err := l.ConnectToURI(libvirt.ConnectURI(opts.URI)); err != nil {
				return nil, fmt.Errorf("failed to connect to %s: %w", opts.URI, err)
			}
			return l, nil
		},
		logger: logger.WithName("libvirt"),
	}
}

// Close drops the connection if one is open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Disconnect()
	c.conn = nil
	return err
}

func (c *Client) api() (libvirtAPI, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.connect()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.logger.V(1).Info("Connected to libvirt")
	c.conn = conn
	return conn, nil
}

// classify maps a libvirt error onto ErrDomainNotFound or ErrUnavailable.
// Errors that did not come back as a libvirt error reply mean the
// transport is broken, so the connection is dropped.
func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}
	if libvirt.IsNotFound(err) {
		return fmt.Errorf("%w: %v", ErrDomainNotFound, err)
	}
	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		if c.conn != nil {
			_ = c.conn.Disconnect()
			c.conn = nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) Domains(ctx context.Context) ([]Domain, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := c.api()
	if err != nil {
		return nil, err
	}

	flags := libvirt.ConnectListDomainsActive | libvirt.ConnectListDomainsInactive
	doms, _, err := conn.ConnectListAllDomains(1, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", c.classify(err))
	}

	var (
		out    = make([]Domain, 0, len(doms))
		errs   []error
		broken bool
	)
	for _, dom := range doms {
		// A domain whose descriptor cannot be read is still known; only its
		// interfaces are missing.
		out = append(out, Domain{Name: dom.Name})
		if broken {
			continue
		}

		desc, err := conn.DomainGetXMLDesc(dom, 0)
		if err != nil {
			err = c.classify(err)
			c.logger.Error(err, "Failed to get domain XML", "domain", dom.Name)
			errs = append(errs, fmt.Errorf("domain %s: %w", dom.Name, err))
			broken = errors.Is(err, ErrUnavailable)
			continue
		}
		d, err := parseDomainXML(dom.Name, desc)
		if err != nil {
			c.logger.Error(err, "Skipping interfaces of domain with unparsable descriptor", "domain", dom.Name)
			errs = append(errs, err)
			continue
		}
		out[len(out)-1] = d
	}

	return out, errors.Join(errs...)
}

// deviceModifyFlags changes the live domain when it is running and its
// persistent definition when it is not.
const deviceModifyFlags = uint32(libvirt.DomainDeviceModifyCurrent)

func (c *Client) AttachInterface(ctx context.Context, domain string, iface Interface) error {
	return c.modify(ctx, domain, iface, "attach", func(conn libvirtAPI, dom libvirt.Domain, xml string) error {
		return conn.DomainAttachDeviceFlags(dom, xml, deviceModifyFlags)
	})
}

func (c *Client) DetachInterface(ctx context.Context, domain string, iface Interface) error {
	return c.modify(ctx, domain, iface, "detach", func(conn libvirtAPI, dom libvirt.Domain, xml string) error {
		return conn.DomainDetachDeviceFlags(dom, xml, deviceModifyFlags)
	})
}

func (c *Client) modify(
	ctx context.Context,
	domain string,
	iface Interface,
	verb string,
	apply func(libvirtAPI, libvirt.Domain, string) error,
) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	desc, err := interfaceDeviceXML(iface)
	if err != nil {
		return err
	}
	conn, err := c.api()
	if err != nil {
		return err
	}

	dom, err := conn.DomainLookupByName(domain)
	if err != nil {
		return fmt.Errorf("failed to look up domain %s: %w", domain, c.classify(err))
	}
	if err := apply(conn, dom, desc); err != nil {
		return fmt.Errorf("failed to %s %s on domain %s: %w", verb, iface.Dev, domain, c.classify(err))
	}

	c.logger.V(1).Info("Modified domain interface", "op", verb, "domain", domain, "interface", iface.Dev, "mac", iface.MAC)
	return nil
}
