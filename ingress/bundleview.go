package ingress

import (
	"github.com/hdtn/hdtn-core/bpv6"
	"github.com/hdtn/hdtn-core/bpv7"
	"github.com/hdtn/hdtn-core/hdtncore"
)

// version identifies which codec parsed a bundle.
type version uint8

const (
	versionBPv6 version = 6
	versionBPv7 version = 7
)

// bundleView normalizes the handful of primary-block fields and
// operations the dispatcher needs across both codecs, so the common
// classification and rewriting steps are written once instead of
// twice. Version-specific concerns (hop count/previous-node rewriting,
// CTEB access) stay in the dispatcher, guarded by explicit version
// checks, rather than being forced into this interface.
type bundleView struct {
	ver version
	v6  bpv6.Bundle
	v7  bpv7.Bundle
}

func (b *bundleView) destination() hdtncore.EID {
	if b.ver == versionBPv6 {
		return b.v6.Primary.Destination
	}
	return b.v7.Primary.Destination
}

func (b *bundleView) source() hdtncore.EID {
	if b.ver == versionBPv6 {
		return b.v6.Primary.Source
	}
	return b.v7.Primary.Source
}

func (b *bundleView) setDestination(e hdtncore.EID) {
	if b.ver == versionBPv6 {
		b.v6.Primary.Destination = e
		b.v6.Primary.SetManuallyModified()
		return
	}
	b.v7.Primary.Destination = e
	b.v7.Primary.SetManuallyModified()
}

func (b *bundleView) setSource(e hdtncore.EID) {
	if b.ver == versionBPv6 {
		b.v6.Primary.Source = e
		b.v6.Primary.SetManuallyModified()
		return
	}
	b.v7.Primary.Source = e
	b.v7.Primary.SetManuallyModified()
}

// requestsCustody reports singleton-destination custody requests:
// SINGLETON && CUSTODY_REQUESTED. BPv6 only; BPv7 always reports false.
func (b *bundleView) requestsCustody() bool {
	if b.ver == versionBPv6 {
		return b.v6.Primary.Flags.RequestsCustody()
	}
	return false
}

// isAdminRecord reports the processing-control "this is an
// administrative record" bit, independent of destination.
func (b *bundleView) isAdminRecord() bool {
	if b.ver == versionBPv6 {
		return b.v6.Primary.Flags.Has(bpv6.FlagAdminRecord)
	}
	return b.v7.Primary.Flags.Has(bpv7.FlagAdminRecord)
}

// payload returns the payload block's data bytes.
func (b *bundleView) payload() []byte {
	if b.ver == versionBPv6 {
		return b.v6.Payload.Data
	}
	return b.v7.Payload.Data
}

// render serializes the (possibly rewritten) bundle back to wire
// bytes.
func (b *bundleView) render() []byte {
	if b.ver == versionBPv6 {
		return bpv6.RenderBundle(nil, b.v6)
	}
	return bpv7.RenderBundle(nil, b.v7)
}

// parseBundleView detects the version byte and parses buf with the
// matching codec.
func parseBundleView(buf []byte) (*bundleView, error) {
	if len(buf) < 1 {
		return nil, ErrMalformed
	}
	switch buf[0] {
	case 6:
		b, _, err := bpv6.ParseBundle(buf)
		if err != nil {
			return nil, err
		}
		return &bundleView{ver: versionBPv6, v6: b}, nil
	case 0x9f:
		b, _, err := bpv7.ParseBundle(buf)
		if err != nil {
			return nil, err
		}
		return &bundleView{ver: versionBPv7, v7: b}, nil
	default:
		return nil, ErrUnsupportedVersion
	}
}
