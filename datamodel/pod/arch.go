package pod

// Kernel architecture names mapped to the region naming scheme.
var kernelToDebianArchitectures = map[string]string{
	"i686":    "i386/generic",
	"x86_64":  "amd64/generic",
	"aarch64": "arm64/generic",
	"armv7l":  "armhf/generic",
	"ppc64le": "ppc64el/generic",
	"s390x":   "s390x/generic",
	"mips":    "mips/generic",
	"mips64":  "mips64el/generic",
}

// Converts a kernel architecture, e.g. x86_64, to the region name, e.g.
// amd64/generic. Unknown architectures are returned unchanged.
func KernelToDebianArchitecture(kernel string) string {
	if arch, ok := kernelToDebianArchitectures[kernel]; ok {
		return arch
	}
	return kernel
}

// Converts a region architecture name back to the kernel name. The
// subarchitecture part is optional.
func DebianToKernelArchitecture(arch string) string {
	for kernel, debian := range kernelToDebianArchitectures {
		if debian == arch {
			return kernel
		}
	}
	for kernel, debian := range kernelToDebianArchitectures {
		if len(debian) > len(arch) && debian[:len(arch)] == arch && debian[len(arch)] == '/' {
			return kernel
		}
	}
	return arch
}
