package syncer

import "gitlab.com/gitlab-org/gitledger/internal/git"

// ObjectIterator yields the object records of an update. It is drained once.
type ObjectIterator interface {
	// Next iterates to the next item. Returns `false` in case there are no more results left,
	// or if an error happened during iteration. The caller must call `Err()` after `Next()`
	// returned `false`.
	Next() bool
	// Err returns the first error that was encountered.
	Err() error
	// Result returns the current item.
	Result() git.Object
}

// RefUpdate asks to move reference Name from OldOID to NewOID. An empty or all-zero OldOID
// means the reference must not exist yet, an empty or all-zero NewOID deletes it.
type RefUpdate struct {
	Name   git.ReferenceName
	OldOID git.ObjectID
	NewOID git.ObjectID
}

// IsDelete tells whether the update removes the reference.
func (u RefUpdate) IsDelete() bool {
	return u.NewOID.IsEmpty()
}

// RefUpdateIterator yields the reference updates of an update. It is drained once.
type RefUpdateIterator interface {
	// Next iterates to the next item. The caller must call `Err()` after `Next()` returned
	// `false`.
	Next() bool
	// Err returns the first error that was encountered.
	Err() error
	// Result returns the current item.
	Result() RefUpdate
}

// NewObjectIterator returns an iterator over objects.
func NewObjectIterator(objects []git.Object) ObjectIterator {
	return &objectIterator{objects: objects, index: -1}
}

type objectIterator struct {
	objects []git.Object
	index   int
}

func (it *objectIterator) Next() bool {
	if it.index+1 >= len(it.objects) {
		it.index = len(it.objects)
		return false
	}
	it.index++
	return true
}

func (it *objectIterator) Err() error { return nil }

func (it *objectIterator) Result() git.Object {
	if it.index < 0 || it.index >= len(it.objects) {
		return git.Object{}
	}
	return it.objects[it.index]
}

// NewRefUpdateIterator returns an iterator over reference updates.
func NewRefUpdateIterator(updates []RefUpdate) RefUpdateIterator {
	return &refUpdateIterator{updates: updates, index: -1}
}

type refUpdateIterator struct {
	updates []RefUpdate
	index   int
}

func (it *refUpdateIterator) Next() bool {
	if it.index+1 >= len(it.updates) {
		it.index = len(it.updates)
		return false
	}
	it.index++
	return true
}

func (it *refUpdateIterator) Err() error { return nil }

func (it *refUpdateIterator) Result() RefUpdate {
	if it.index < 0 || it.index >= len(it.updates) {
		return RefUpdate{}
	}
	return it.updates[it.index]
}
