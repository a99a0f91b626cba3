// Package peers provides support code for constructing and testing
// provider/consumer pairs.
package peers

import (
	"github.com/creachadair/tether"
	"github.com/creachadair/tether/channel"
)

// Origins assigned to the two sides of a local pair.
const (
	ProviderOrigin = "local://provider"
	ConsumerOrigin = "local://consumer"
)

// Local is an in-memory connected provider/consumer pair, suitable for
// testing.
type Local struct {
	Provider *tether.Provider
	Consumer *tether.Consumer
}

// Stop shuts down both peers and blocks until both have exited.
func (l *Local) Stop() error {
	cerr := l.Consumer.Close()
	perr := l.Provider.Stop()
	if cerr != nil {
		return cerr
	}
	return perr
}

// NewLocal starts a provider hosting api and connects a consumer to it over
// an in-memory direct channel. The channel name is taken from popt. If the
// handshake fails, the provider is stopped and the error returned.
func NewLocal(api any, popt *tether.ProviderOptions, copt *tether.ConsumerOptions) (*Local, error) {
	pp, cp := channel.Direct(ProviderOrigin, ConsumerOrigin)

	var name string
	if popt != nil {
		name = popt.Name
	}
	prov := tether.NewProvider(api, popt).Start(pp)
	cons, err := tether.Connect(cp, name, copt)
	if err != nil {
		prov.Stop()
		return nil, err
	}
	return &Local{Provider: prov, Consumer: cons}, nil
}
