package region

// Version of the region controller binaries. Overridden at link time.
var Version = "1.4.0"

// Build date of the binaries. Overridden at link time.
var BuildDate = "unset"
