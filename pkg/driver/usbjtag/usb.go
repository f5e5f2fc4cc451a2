package usbjtag

import (
	"fmt"

	"github.com/google/gousb"

	"github.com/openxvc/xvcbridge/pkg/xvcerr"
)

// usbEndpoints is the real pipe implementation: a claimed vendor-class USB
// interface with its bulk IN/OUT endpoints opened. Ported from
// NewUSBTransport/claimInterface/findEndpoints, trimmed to the endpoint
// pair this driver actually needs (no CMSIS-DAP command framing).
type usbEndpoints struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	intf *gousb.Interface

	out *gousb.OutEndpoint
	in  *gousb.InEndpoint
}

func openDevice(vid, pid gousb.ID, serial string) (*usbEndpoints, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, xvcerr.NewSysErr("usbjtag: open device", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, xvcerr.NewProtoErr(fmt.Sprintf("usbjtag: no device matching %04x:%04x", uint16(vid), uint16(pid)))
	}
	if serial != "" {
		got, serr := dev.SerialNumber()
		if serr != nil || got != serial {
			dev.Close()
			ctx.Close()
			return nil, xvcerr.NewProtoErr("usbjtag: device serial mismatch, want " + serial)
		}
	}

	_ = dev.SetAutoDetach(true)

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, xvcerr.NewSysErr("usbjtag: claim config", err)
	}

	intfNum := 0
	for _, id := range cfg.Desc.Interfaces {
		if len(id.AltSettings) == 0 {
			continue
		}
		if id.AltSettings[0].Class == gousb.ClassVendorSpec {
			intfNum = id.Number
			break
		}
	}

	intf, err := cfg.Interface(intfNum, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, xvcerr.NewSysErr("usbjtag: claim interface", err)
	}

	ep := &usbEndpoints{ctx: ctx, dev: dev, intf: intf}
	if err := ep.findEndpoints(); err != nil {
		ep.Close()
		return nil, err
	}
	return ep, nil
}

func (e *usbEndpoints) findEndpoints() error {
	setting := e.intf.Setting

	var outAddr, inAddr int
	for _, ep := range setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionOut && outAddr == 0 {
			outAddr = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionIn && inAddr == 0 {
			inAddr = ep.Number
		}
	}
	if outAddr == 0 {
		return xvcerr.NewProtoErr("usbjtag: bulk OUT endpoint not found")
	}
	if inAddr == 0 {
		return xvcerr.NewProtoErr("usbjtag: bulk IN endpoint not found")
	}

	out, err := e.intf.OutEndpoint(outAddr)
	if err != nil {
		return xvcerr.NewSysErr("usbjtag: open OUT endpoint", err)
	}
	in, err := e.intf.InEndpoint(inAddr)
	if err != nil {
		return xvcerr.NewSysErr("usbjtag: open IN endpoint", err)
	}
	e.out = out
	e.in = in
	return nil
}

func (e *usbEndpoints) Write(p []byte) (int, error) {
	return e.out.Write(p)
}

func (e *usbEndpoints) Read(p []byte) (int, error) {
	return e.in.Read(p)
}

func (e *usbEndpoints) Close() error {
	e.intf.Close()
	e.dev.Close()
	e.ctx.Close()
	return nil
}
