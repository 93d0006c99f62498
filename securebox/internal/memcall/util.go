package memcall

import "github.com/pkg/errors"

// Cleaner groups the Free and Unlock operations needed to tear a region down.
type Cleaner interface {
	Freer
	Unlocker
}

// Clean unlocks and frees b, combining any errors from either step into one.
func Clean(c Cleaner, b []byte) (err error) {
	if err = c.Unlock(b); err != nil {
		err = errors.WithStack(err)
	}

	if err2 := c.Free(b); err2 != nil {
		err2 = errors.WithStack(err2)

		if err == nil {
			err = err2
		} else {
			err = errors.Wrap(err, err2.Error())
		}
	}

	return
}
