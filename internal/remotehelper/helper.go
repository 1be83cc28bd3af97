// Package remotehelper speaks the line protocol git uses to talk to remote helpers. Commands are
// read from stdin and answered on stdout. Answers are flushed as soon as they are complete,
// since git blocks on reading them.
package remotehelper

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitledger/internal/git"
	"gitlab.com/gitlab-org/gitledger/internal/syncer"
)

// DefaultHead is the reference HEAD points to if nothing else is configured.
const DefaultHead = git.ReferenceName("refs/heads/master")

// capabilities is the command set announced to git.
var capabilities = []string{"connect", "list", "push", "fetch", "option"}

// RefLister lists the references of the remote.
type RefLister interface {
	ListRefs(ctx context.Context) ([]git.Reference, error)
}

// ObjectReader reads object records.
type ObjectReader interface {
	Get(ctx context.Context, oid git.ObjectID) (git.Object, error)
}

// Updater applies pushed objects and reference updates.
type Updater interface {
	Update(ctx context.Context, objects syncer.ObjectIterator, refUpdates syncer.RefUpdateIterator) (syncer.Result, error)
}

type state int

const (
	stateStart state = iota
	stateCapabilitiesSent
	stateDone
)

// ErrCapabilitiesFirst is returned when git sends a command before negotiating capabilities.
var ErrCapabilitiesFirst = errors.New("capabilities must be negotiated first")

// Helper is a single remote helper session.
type Helper struct {
	refs    RefLister
	objects ObjectReader
	updater Updater
	head    git.ReferenceName
	logger  logrus.FieldLogger

	in    *bufio.Reader
	out   *bufio.Writer
	state state
}

// New returns a helper reading commands from in and writing answers to out. An empty head uses
// DefaultHead.
func New(in io.Reader, out io.Writer, refs RefLister, objects ObjectReader, updater Updater, head git.ReferenceName, logger logrus.FieldLogger) *Helper {
	if head == "" {
		head = DefaultHead
	}

	return &Helper{
		refs:    refs,
		objects: objects,
		updater: updater,
		head:    head,
		logger:  logger,
		in:      bufio.NewReader(in),
		out:     bufio.NewWriter(out),
	}
}

// readLine returns the next line without its newline. A final line without newline is
// returned as is. io.EOF is only returned if there is no more input at all.
func (h *Helper) readLine() (string, error) {
	line, err := h.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return line, nil
		}
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// Serve answers commands until git ends the session with a blank line or closes the input.
// Any error is fatal for the session.
func (h *Helper) Serve(ctx context.Context) error {
	for h.state != stateDone {
		line, err := h.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.state = stateDone
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		}

		request, err := ParseRequest(line)
		if err != nil {
			return err
		}

		if err := h.handle(ctx, request); err != nil {
			return err
		}
	}

	return nil
}

func (h *Helper) handle(ctx context.Context, request Request) error {
	if _, ok := request.(CapabilitiesRequest); !ok && h.state == stateStart {
		if _, end := request.(EndRequest); !end {
			return fmt.Errorf("%T: %w", request, ErrCapabilitiesFirst)
		}
	}

	switch r := request.(type) {
	case CapabilitiesRequest:
		if err := h.Capabilities(); err != nil {
			return err
		}
		h.state = stateCapabilitiesSent
		return nil
	case ConnectRequest:
		return h.connect(ctx, r)
	case ListRequest:
		return h.List(ctx, r.ForPush)
	case FetchRequest:
		return h.Fetch(ctx)
	case PushRequest:
		return h.Push(ctx)
	case OptionRequest:
		h.logger.WithField("option", r.Name).Debug("unsupported option requested")
		return h.respond("unsupported")
	case EndRequest:
		h.state = stateDone
		return nil
	default:
		return fmt.Errorf("unhandled request %T", request)
	}
}

func (h *Helper) connect(ctx context.Context, request ConnectRequest) error {
	switch request.Service {
	case UploadPackService:
		return h.Fetch(ctx)
	case ReceivePackService:
		return h.Push(ctx)
	default:
		return protocolError("connect "+request.Service, "unknown service")
	}
}

// respond writes lines and flushes them.
func (h *Helper) respond(lines ...string) error {
	for _, line := range lines {
		if _, err := h.out.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	if err := h.out.Flush(); err != nil {
		return fmt.Errorf("flush response: %w", err)
	}
	return nil
}

// Capabilities announces the supported commands, terminated by a blank line.
func (h *Helper) Capabilities() error {
	return h.respond(append(append([]string(nil), capabilities...), "")...)
}

// advertisement returns the references and the symbolic HEAD. HEAD is only advertised if the
// reference it points at exists.
func (h *Helper) advertisement(ctx context.Context) ([]git.Reference, error) {
	refs, err := h.refs.ListRefs(ctx)
	if err != nil {
		return nil, err
	}

	for _, ref := range refs {
		if ref.Name == h.head {
			return append(refs, git.NewSymbolicReference("HEAD", h.head)), nil
		}
	}
	return refs, nil
}

// List answers `list` and `list for-push` with `<hash> <name>` lines and `@<target> HEAD`.
func (h *Helper) List(ctx context.Context, forPush bool) error {
	refs, err := h.advertisement(ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		"refs":     len(refs),
		"for_push": forPush,
	}).Debug("listing references")

	lines := make([]string, 0, len(refs)+1)
	for _, ref := range refs {
		if ref.IsSymbolic {
			lines = append(lines, "@"+ref.Target+" "+ref.Name.String())
			continue
		}
		lines = append(lines, ref.Target+" "+ref.Name.String())
	}

	return h.respond(append(lines, "")...)
}
