package remotehelper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitledger/internal/commonerr"
	"gitlab.com/gitlab-org/gitledger/internal/git"
	"gitlab.com/gitlab-org/gitledger/internal/syncer"
)

// Push runs the push sub-protocol. It reads object frames
//
//	object <type> <length>
//	<payload>
//
// followed by `<old-hash> <new-hash> <ref-name>` lines, terminated by a blank line. Objects and
// reference updates are streamed into the updater while they are read. For every reference
// update one `ok <name>` or `error <name> <reason>` line is written, followed by a blank line.
//
// A stale reference or a reference pointing to an unknown object is reported on its status line
// only. Every other failure is fatal for the session.
func (h *Helper) Push(ctx context.Context) error {
	reader := &pushReader{h: h}

	result, err := h.updater.Update(ctx, &pushObjectIterator{reader}, &pushRefIterator{reader})
	if err != nil && len(result.Refs) == 0 {
		return fmt.Errorf("push: %w", err)
	}

	lines := make([]string, 0, len(result.Refs)+1)
	for _, ref := range result.Refs {
		if ref.Err == nil {
			lines = append(lines, "ok "+ref.Update.Name.String())
			continue
		}
		lines = append(lines, "error "+ref.Update.Name.String()+" "+reason(ref.Err))
	}
	if err := h.respond(append(lines, "")...); err != nil {
		return err
	}

	h.logger.WithFields(logrus.Fields{
		"objects":  result.Objects,
		"refs":     len(result.Refs),
		"snapshot": result.Snapshot,
	}).Info("push processed")

	if err != nil && !errors.Is(err, commonerr.ErrStaleRef) && !errors.Is(err, commonerr.ErrNotFound) {
		return fmt.Errorf("push: %w", err)
	}

	return nil
}

func reason(err error) string {
	return strings.ReplaceAll(err.Error(), "\n", " ")
}

// pushReader splits the push input into the object and the reference update sequence.
type pushReader struct {
	h *Helper

	// pending is the first reference update line, read while looking for more objects.
	pending     *syncer.RefUpdate
	objectsDone bool
	refsDone    bool
	err         error

	object git.Object
	update syncer.RefUpdate
	// refs holds the names of all reference updates read so far.
	refs map[git.ReferenceName]struct{}
}

func (r *pushReader) fail(err error) bool {
	r.err = err
	r.objectsDone = true
	r.refsDone = true
	return false
}

func (r *pushReader) nextLine() (string, bool) {
	line, err := r.h.readLine()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", r.fail(protocolError("", "push input ended without blank line"))
		}
		return "", r.fail(fmt.Errorf("read push input: %w", err))
	}
	return line, true
}

func (r *pushReader) nextObject() bool {
	if r.objectsDone {
		return false
	}

	line, ok := r.nextLine()
	if !ok {
		return false
	}

	switch {
	case line == "":
		r.objectsDone = true
		r.refsDone = true
		return false
	case strings.HasPrefix(line, "object "):
		header, err := ParseObjectHeader(line)
		if err != nil {
			return r.fail(err)
		}

		var buf bytes.Buffer
		if _, err := io.CopyN(&buf, r.h.in, header.Length+1); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return r.fail(protocolError(line, fmt.Sprintf("read payload: %v", err)))
		}
		payload := buf.Bytes()
		if payload[header.Length] != '\n' {
			return r.fail(protocolError(line, "payload not terminated by newline"))
		}

		r.object = git.Object{Type: header.Type, Length: header.Length, Payload: payload[:header.Length]}
		return true
	default:
		update, err := r.parseRefUpdate(line)
		if err != nil {
			return r.fail(err)
		}
		r.pending = &update
		r.objectsDone = true
		return false
	}
}

func (r *pushReader) nextRefUpdate() bool {
	if r.pending != nil {
		r.update, r.pending = *r.pending, nil
		return true
	}
	if r.refsDone {
		return false
	}

	line, ok := r.nextLine()
	if !ok {
		return false
	}

	switch {
	case line == "":
		r.refsDone = true
		return false
	case strings.HasPrefix(line, "object "):
		return r.fail(protocolError(line, "object after reference updates"))
	default:
		update, err := r.parseRefUpdate(line)
		if err != nil {
			return r.fail(err)
		}
		r.update = update
		return true
	}
}

// parseRefUpdate parses a reference update line. A reference may only be updated once per push.
func (r *pushReader) parseRefUpdate(line string) (syncer.RefUpdate, error) {
	update, err := ParseRefUpdate(line)
	if err != nil {
		return syncer.RefUpdate{}, err
	}

	if r.refs == nil {
		r.refs = make(map[git.ReferenceName]struct{})
	}
	if _, ok := r.refs[update.Name]; ok {
		return syncer.RefUpdate{}, protocolError(line, "reference updated more than once")
	}
	r.refs[update.Name] = struct{}{}

	return update, nil
}

type pushObjectIterator struct{ r *pushReader }

func (it *pushObjectIterator) Next() bool         { return it.r.nextObject() }
func (it *pushObjectIterator) Err() error         { return it.r.err }
func (it *pushObjectIterator) Result() git.Object { return it.r.object }

type pushRefIterator struct{ r *pushReader }

func (it *pushRefIterator) Next() bool {
	// Objects which were not consumed, e.g. because the updater does not look at them, are
	// skipped so that the reference updates can be reached.
	for it.r.nextObject() {
	}
	return it.r.nextRefUpdate()
}

func (it *pushRefIterator) Err() error               { return it.r.err }
func (it *pushRefIterator) Result() syncer.RefUpdate { return it.r.update }
