package types

// A CPU is a Mach-O cpu type. Only the ARM family is named here, for
// diagnostics; Open does not check the cpu type, so an image is accepted
// whatever value this field holds.
type CPU uint32

const (
	cpuArch64 = 0x01000000 // 64 bit ABI
)

const (
	CPUArm   CPU = 12
	CPUArm64 CPU = CPUArm | cpuArch64
)

var cpuStrings = []IntName{
	{uint32(CPUArm), "ARM"},
	{uint32(CPUArm64), "ARM64"},
}

func (i CPU) String() string { return StringName(uint32(i), cpuStrings, false) }

type CPUSubtype uint32

// ARM subtypes
const (
	CPUSubtypeArmAll   CPUSubtype = 0
	CPUSubtypeArmV4T   CPUSubtype = 5
	CPUSubtypeArmV6    CPUSubtype = 6
	CPUSubtypeArmV5Tej CPUSubtype = 7
	CPUSubtypeArmV7    CPUSubtype = 9
)

var cpuSubtypeArmStrings = []IntName{
	{uint32(CPUSubtypeArmAll), "ArmAll"},
	{uint32(CPUSubtypeArmV4T), "ARMv4t"},
	{uint32(CPUSubtypeArmV6), "ARMv6"},
	{uint32(CPUSubtypeArmV5Tej), "ARMv5tej"},
	{uint32(CPUSubtypeArmV7), "ARMv7"},
}

func (st CPUSubtype) String() string {
	return StringName(uint32(st), cpuSubtypeArmStrings, false)
}
