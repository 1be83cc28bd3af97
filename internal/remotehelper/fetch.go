package remotehelper

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/git"
)

// Fetch runs the fetch sub-protocol. It advertises all references as `ref <hash> <name>` lines
// and `ref @<target> HEAD`, terminated by a blank line. It then reads `want <hash>` lines up to a
// blank line and answers each of them with either
//
//	object <hash> <type> <length>
//	<payload>
//
// or `missing <hash>`, followed by a blank line. If the input ends right after the
// advertisement, nothing is requested.
func (h *Helper) Fetch(ctx context.Context) error {
	if err := h.Advertise(ctx); err != nil {
		return err
	}

	var wants []git.ObjectID
	for {
		line, err := h.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(wants) == 0 {
					return nil
				}
				return protocolError("", "input ended before the list of wanted objects")
			}
			return fmt.Errorf("read want: %w", err)
		}

		if line == "" {
			break
		}

		oid, err := ParseWant(line)
		if err != nil {
			return err
		}
		wants = append(wants, oid)
	}

	delivered := 0
	for _, oid := range wants {
		object, err := h.objects.Get(ctx, oid)
		if err != nil {
			if errors.Is(err, commonerr.ErrNotFound) {
				if err := h.respond("missing " + oid.String()); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("fetch: %w", err)
		}

		if err := h.writeObject(oid, object); err != nil {
			return err
		}
		delivered++
	}

	h.logger.WithFields(logrus.Fields{
		"wanted":    len(wants),
		"delivered": delivered,
	}).Info("objects fetched")

	return h.respond("")
}

// Advertise writes the reference advertisement of the fetch sub-protocol.
func (h *Helper) Advertise(ctx context.Context) error {
	refs, err := h.advertisement(ctx)
	if err != nil {
		return fmt.Errorf("advertise: %w", err)
	}

	lines := make([]string, 0, len(refs)+1)
	for _, ref := range refs {
		if ref.IsSymbolic {
			lines = append(lines, "ref @"+ref.Target+" "+ref.Name.String())
			continue
		}
		lines = append(lines, "ref "+ref.Target+" "+ref.Name.String())
	}

	return h.respond(append(lines, "")...)
}

func (h *Helper) writeObject(oid git.ObjectID, object git.Object) error {
	if _, err := fmt.Fprintf(h.out, "object %s %s %d\n", oid, object.Type, object.Length); err != nil {
		return fmt.Errorf("write object header: %w", err)
	}
	if _, err := h.out.Write(object.Payload); err != nil {
		return fmt.Errorf("write object payload: %w", err)
	}
	return h.respond("")
}
