package email

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/e3mail/internal/model"
)

// AuthError indicates that the IMAP server rejected the account
// credentials.
type AuthError struct {
	Username string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", e.Username, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IMAPClient wraps go-imap v2 for a single mail account. Every operation
// opens its own connection and logs out when done.
type IMAPClient struct {
	host     string
	port     string
	username string
	password string
	tls      bool
}

// NewIMAPClient creates a new IMAP client configuration.
func NewIMAPClient(
	host, port, username, password string, tls bool,
) *IMAPClient {
	return &IMAPClient{
		host:     host,
		port:     port,
		username: username,
		password: password,
		tls:      tls,
	}
}

// NewIMAPClientForAccount builds a client from an account entry.
func NewIMAPClientForAccount(acc model.AccountConfig, password string) *IMAPClient {
	return NewIMAPClient(acc.IMAPHost, acc.IMAPPort, acc.Login(), password, acc.TLS)
}

// Connect establishes a connection to the IMAP server, authenticates,
// and returns the connected client. The caller is responsible for
// calling Logout/Close on the returned client.
func (c *IMAPClient) Connect(
	_ context.Context,
) (*imapclient.Client, error) {
	addr := c.host + ":" + c.port

	var client *imapclient.Client
	var err error

	if c.tls {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.username, c.password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &AuthError{Username: c.username, Err: err}
	}

	return client, nil
}

// withMailbox connects, selects folder and runs fn.
func (c *IMAPClient) withMailbox(
	ctx context.Context,
	folder string,
	fn func(client *imapclient.Client) error,
) error {
	client, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", folder, err)
	}
	return fn(client)
}

// SearchHeader returns the UIDs of messages in folder that carry the
// header field, whatever its value.
func (c *IMAPClient) SearchHeader(
	ctx context.Context, folder, header string,
) ([]string, error) {
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: header}},
	}
	return c.search(ctx, folder, criteria)
}

// SearchAll returns the UIDs of every message in folder.
func (c *IMAPClient) SearchAll(ctx context.Context, folder string) ([]string, error) {
	return c.search(ctx, folder, &imap.SearchCriteria{})
}

func (c *IMAPClient) search(
	ctx context.Context, folder string, criteria *imap.SearchCriteria,
) ([]string, error) {
	var uids []string
	err := c.withMailbox(ctx, folder, func(client *imapclient.Client) error {
		data, err := client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching %s: %w", folder, err)
		}
		uids = formatUIDs(data.AllUIDs())
		return nil
	})
	return uids, err
}

// FetchMessages downloads the full raw messages for uids. Messages the
// server no longer has are left out of the result.
func (c *IMAPClient) FetchMessages(
	ctx context.Context, folder string, uids []string,
) ([]model.Message, error) {
	set, err := parseUIDs(uids)
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, nil
	}

	var msgs []model.Message
	err = c.withMailbox(ctx, folder, func(client *imapclient.Client) error {
		section := &imap.FetchItemBodySection{Peek: true}
		fetchCmd := client.Fetch(imap.UIDSetNum(set...), &imap.FetchOptions{
			UID:          true,
			Flags:        true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{section},
		})
		defer fetchCmd.Close()

		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				continue
			}
			raw := buf.FindBodySection(section)
			if raw == nil {
				continue
			}
			msgs = append(msgs, model.Message{
				Folder:       folder,
				UID:          strconv.FormatUint(uint64(buf.UID), 10),
				Raw:          raw,
				Flags:        flagStrings(buf.Flags),
				InternalDate: buf.InternalDate,
			})
		}

		if err := fetchCmd.Close(); err != nil {
			return fmt.Errorf("fetching messages from %s: %w", folder, err)
		}
		return nil
	})
	return msgs, err
}

// StoreFlag adds or removes flag on uids.
func (c *IMAPClient) StoreFlag(
	ctx context.Context, folder string, uids []string, flag string, state bool,
) error {
	set, err := parseUIDs(uids)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return nil
	}

	op := imap.StoreFlagsDel
	if state {
		op = imap.StoreFlagsAdd
	}

	return c.withMailbox(ctx, folder, func(client *imapclient.Client) error {
		storeCmd := client.Store(imap.UIDSetNum(set...), &imap.StoreFlags{
			Op:     op,
			Silent: true,
			Flags:  []imap.Flag{imap.Flag(flag)},
		}, nil)
		if err := storeCmd.Close(); err != nil {
			return fmt.Errorf("storing flag %s in %s: %w", flag, folder, err)
		}
		return nil
	})
}

// MoveOrCopy moves (or copies) uids from folder into dest.
func (c *IMAPClient) MoveOrCopy(
	ctx context.Context, folder, dest string, uids []string, isCopy bool,
) error {
	set, err := parseUIDs(uids)
	if err != nil {
		return err
	}
	if len(set) == 0 {
		return nil
	}

	return c.withMailbox(ctx, folder, func(client *imapclient.Client) error {
		if isCopy {
			if _, err := client.Copy(imap.UIDSetNum(set...), dest).Wait(); err != nil {
				return fmt.Errorf("copying messages to %s: %w", dest, err)
			}
			return nil
		}
		if _, err := client.Move(imap.UIDSetNum(set...), dest).Wait(); err != nil {
			return fmt.Errorf("moving messages to %s: %w", dest, err)
		}
		return nil
	})
}

// AppendMessage uploads raw into folder and returns the UID the server
// assigned to it. The UID is empty when the server does not report one.
func (c *IMAPClient) AppendMessage(
	ctx context.Context, folder string, raw []byte, flags []string, date time.Time,
) (string, error) {
	client, err := c.Connect(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = client.Logout().Wait() }()

	opts := &imap.AppendOptions{Time: date}
	for _, f := range flags {
		if model.IsLocalFlag(f) {
			continue
		}
		opts.Flags = append(opts.Flags, imap.Flag(f))
	}

	appendCmd := client.Append(folder, int64(len(raw)), opts)
	if _, err := appendCmd.Write(raw); err != nil {
		_ = appendCmd.Close()
		return "", fmt.Errorf("writing message to %s: %w", folder, err)
	}
	if err := appendCmd.Close(); err != nil {
		return "", fmt.Errorf("appending message to %s: %w", folder, err)
	}
	data, err := appendCmd.Wait()
	if err != nil {
		return "", fmt.Errorf("appending message to %s: %w", folder, err)
	}
	if data == nil || data.UID == 0 {
		return "", nil
	}
	return strconv.FormatUint(uint64(data.UID), 10), nil
}

// Expunge marks every message in folder deleted and expunges it. It
// returns the UIDs that were removed.
func (c *IMAPClient) Expunge(ctx context.Context, folder string) ([]string, error) {
	var removed []string
	err := c.withMailbox(ctx, folder, func(client *imapclient.Client) error {
		data, err := client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching %s: %w", folder, err)
		}
		all := data.AllUIDs()
		if len(all) == 0 {
			return nil
		}

		storeCmd := client.Store(imap.UIDSetNum(all...), &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}, nil)
		if err := storeCmd.Close(); err != nil {
			return fmt.Errorf("flagging %s for deletion: %w", folder, err)
		}
		if err := client.Expunge().Close(); err != nil {
			return fmt.Errorf("expunging %s: %w", folder, err)
		}
		removed = formatUIDs(all)
		return nil
	})
	return removed, err
}

// parseUIDs converts cache UIDs into server UIDs. Local-only ids are
// skipped since the server has never seen them.
func parseUIDs(uids []string) ([]imap.UID, error) {
	out := make([]imap.UID, 0, len(uids))
	for _, s := range uids {
		if strings.HasPrefix(s, model.LocalUIDPrefix) {
			continue
		}
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid IMAP UID %q", s)
		}
		out = append(out, imap.UID(n))
	}
	return out, nil
}

func formatUIDs(uids []imap.UID) []string {
	out := make([]string, len(uids))
	for i, u := range uids {
		out[i] = strconv.FormatUint(uint64(u), 10)
	}
	return out
}

func flagStrings(flags []imap.Flag) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		out = append(out, string(f))
	}
	return out
}
