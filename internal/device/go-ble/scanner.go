package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/srg/inkprobe/internal/device"
)

// Scan reports every advertisement until ctx is done. Duplicates are allowed so
// the RSSI of a candidate keeps updating for ranking.
func (t *Transport) Scan(ctx context.Context, onDiscover func(device.Advertisement)) error {
	dev, err := t.device()
	if err != nil {
		return err
	}

	err = dev.Scan(ctx, true, func(adv ble.Advertisement) {
		onDiscover(NewBLEAdvertisement(adv))
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return NormalizeError(err)
}
