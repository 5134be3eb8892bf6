package icon

import _ "embed"

// Logo is the tray and notification icon
//
//go:embed assets/volumelock.ico
var Logo []byte

// EditConfig is the cog icon in the edit config menu option
//
//go:embed assets/edit-config.ico
var EditConfig []byte
