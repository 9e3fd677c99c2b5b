package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/diskbox/internal/runner"
)

const diskutilFixture = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>AllDisksAndPartitions</key>
	<array>
		<dict>
			<key>Content</key>
			<string>GUID_partition_scheme</string>
			<key>DeviceIdentifier</key>
			<string>disk0</string>
			<key>OSInternal</key>
			<true/>
			<key>Partitions</key>
			<array>
				<dict>
					<key>Content</key>
					<string>Apple_APFS</string>
					<key>DeviceIdentifier</key>
					<string>disk0s2</string>
					<key>Size</key>
					<integer>494384795648</integer>
				</dict>
			</array>
			<key>Size</key>
			<integer>500277790720</integer>
		</dict>
		<dict>
			<key>APFSVolumes</key>
			<array>
				<dict>
					<key>DeviceIdentifier</key>
					<string>disk3s1</string>
					<key>VolumeName</key>
					<string>Macintosh HD</string>
				</dict>
			</array>
			<key>Content</key>
			<string>Apple_APFS_Container</string>
			<key>DeviceIdentifier</key>
			<string>disk3</string>
			<key>Size</key>
			<integer>494384795648</integer>
		</dict>
		<dict>
			<key>Content</key>
			<string>GUID_partition_scheme</string>
			<key>DeviceIdentifier</key>
			<string>disk7</string>
			<key>Partitions</key>
			<array>
				<dict>
					<key>Content</key>
					<string>Linux_LVM</string>
					<key>DeviceIdentifier</key>
					<string>disk7s1</string>
					<key>Size</key>
					<integer>1073741824</integer>
				</dict>
				<dict>
					<key>Content</key>
					<string>Linux Filesystem</string>
					<key>DeviceIdentifier</key>
					<string>disk7s2</string>
					<key>Size</key>
					<integer>2147483648</integer>
					<key>VolumeName</key>
					<string>data</string>
					<key>VolumeUUID</key>
					<string>5E1B0C2A-0000-4000-8000-000000000001</string>
				</dict>
			</array>
			<key>Size</key>
			<integer>4000000000</integer>
		</dict>
	</array>
</dict>
</plist>
`

func TestParseDiskutilList(t *testing.T) {
	devices, err := parseDiskutilList([]byte(diskutilFixture), false)
	require.NoError(t, err)

	want := []BlockDevice{
		{Path: "/dev/disk0", Size: 500277790720, Content: "GUID_partition_scheme"},
		{Path: "/dev/disk0s2", Size: 494384795648, Parent: "/dev/disk0", Content: "Apple_APFS"},
		{Path: "/dev/disk7", Size: 4000000000, Content: "GUID_partition_scheme"},
		{Path: "/dev/disk7s1", Size: 1073741824, Parent: "/dev/disk7", Content: MarkerLVM},
		{
			Path:    "/dev/disk7s2",
			Size:    2147483648,
			Parent:  "/dev/disk7",
			Content: "Linux Filesystem",
			Label:   "data",
			UUID:    "5E1B0C2A-0000-4000-8000-000000000001",
		},
	}
	assert.Equal(t, want, devices)
}

func TestParseDiskutilListSynthesized(t *testing.T) {
	devices, err := parseDiskutilList([]byte(diskutilFixture), true)
	require.NoError(t, err)

	var found bool
	for _, d := range devices {
		if d.Path == "/dev/disk3" {
			found = true
		}
	}
	assert.True(t, found, "APFS container disk should be listed")
}

func TestParseDiskutilListInvalid(t *testing.T) {
	_, err := parseDiskutilList([]byte("not a plist"), false)
	require.Error(t, err)
}

func TestDiskutilListerRunsDiskutil(t *testing.T) {
	var got runner.Cmd
	l := &DiskutilLister{Runner: runner.Func(func(_ context.Context, c runner.Cmd) ([]byte, error) {
		got = c
		return []byte(diskutilFixture), nil
	})}

	devices, err := l.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 5)
	assert.Equal(t, "diskutil", got.Name)
	assert.Equal(t, []string{"list", "-plist"}, got.Args)
}
