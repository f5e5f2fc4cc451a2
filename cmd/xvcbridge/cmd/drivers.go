package cmd

// Blank-imported so every built-in driver's init() registers itself with
// pkg/driver before rootCmd's RunE looks one up by name.
import (
	_ "github.com/openxvc/xvcbridge/pkg/driver/bitbang"
	_ "github.com/openxvc/xvcbridge/pkg/driver/dbgbridge"
	_ "github.com/openxvc/xvcbridge/pkg/driver/fifo"
	_ "github.com/openxvc/xvcbridge/pkg/driver/serdes"
	_ "github.com/openxvc/xvcbridge/pkg/driver/tmem"
	_ "github.com/openxvc/xvcbridge/pkg/driver/usbjtag"
)
