package ddbstore

import "errors"

// ErrItemDecode indicates a DynamoDB item could not be decoded into an
// EnvelopeKeyRecord.
var ErrItemDecode = errors.New("item decode error")
