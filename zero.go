package thmap

import "github.com/sirgallo/utils"

// defaultValue is the Value returned on a Lookup/Remove miss. Breaking
// this out as its own call, rather than inlining a literal 0, keeps
// Value's zero-value free to diverge from uint64's later without
// touching every call site.
func defaultValue() Value {
	return utils.GetZero[Value]()
}
