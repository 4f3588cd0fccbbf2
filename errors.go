package thmap

import "errors"

// ErrCorruptedArena is surfaced when an offset read back out of the
// arena doesn't resolve to a sane node or leaf -- a misaligned offset,
// or an arena truncated or unmapped out from under the map. Nothing in
// this package validates an offset before dereferencing it, so this is
// the last line of defense against turning that class of corruption
// into an unrecovered panic that takes down the caller's whole process.
var ErrCorruptedArena = errors.New("thmap: corrupted or out-of-range offset encountered while reading the arena")
