package workingmemory

import "errors"

// errNoChain is returned by Sink.Replay when the Sink was constructed
// without a causalchain.Chain to reconstruct from.
var errNoChain = errors.New("workingmemory: replay requires a chain")
