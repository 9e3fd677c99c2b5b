package catalog

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/diskbox/internal/runner"
)

const lsblkFixture = `{
   "blockdevices": [
      {"name":"sda", "path":"/dev/sda", "size":500107862016, "type":"disk", "fstype":null, "label":null, "uuid":null,
         "children": [
            {"name":"sda1", "path":"/dev/sda1", "size":536870912, "type":"part", "fstype":"vfat", "label":"EFI", "uuid":"ABCD-1234"},
            {"name":"sda2", "path":"/dev/sda2", "size":499569573888, "type":"part", "fstype":"crypto_LUKS", "label":null, "uuid":"5f2c",
               "children": [
                  {"name":"luks-5f2c", "path":"/dev/mapper/luks-5f2c", "size":499552796672, "type":"crypt", "fstype":"ext4", "label":"root", "uuid":"aa11"}
               ]
            }
         ]
      },
      {"name":"sdb", "path":"/dev/sdb", "size":"1000204886016", "type":"disk", "fstype":"linux_raid_member", "label":"nas:0", "uuid":"77e1"},
      {"name":"sr0", "path":"/dev/sr0", "size":1073741312, "type":"rom", "fstype":null, "label":null, "uuid":null},
      {"name":"loop0", "size":null, "type":"loop", "fstype":"squashfs", "label":null, "uuid":null}
   ]
}`

func TestParseLsblk(t *testing.T) {
	devices, err := parseLsblk([]byte(lsblkFixture))
	require.NoError(t, err)

	want := []BlockDevice{
		{Path: "/dev/sda", Size: 500107862016},
		{Path: "/dev/sda1", Size: 536870912, Parent: "/dev/sda", Content: "vfat", Label: "EFI", UUID: "ABCD-1234"},
		{Path: "/dev/sda2", Size: 499569573888, Parent: "/dev/sda", Content: MarkerLUKS, UUID: "5f2c"},
		{Path: "/dev/sdb", Size: 1000204886016, Content: MarkerRAID, Label: "nas:0", UUID: "77e1"},
	}
	if diff := cmp.Diff(want, devices); diff != "" {
		t.Errorf("devices mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLsblkInvalid(t *testing.T) {
	_, err := parseLsblk([]byte(`{"blockdevices": [{"name": "sda", "size": "big"}]}`))
	require.Error(t, err)
}

func TestLsblkListerArgs(t *testing.T) {
	var got runner.Cmd
	l := &LsblkLister{Runner: runner.Func(func(_ context.Context, c runner.Cmd) ([]byte, error) {
		got = c
		return []byte(`{"blockdevices": []}`), nil
	})}

	devices, err := l.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Equal(t, "lsblk -J -b -o NAME,PATH,SIZE,TYPE,FSTYPE,LABEL,UUID", got.String())
}

func TestParseLsblkAssembledArray(t *testing.T) {
	out := `{"blockdevices": [
      {"name":"sdb", "path":"/dev/sdb", "size":1000, "type":"disk", "fstype":null, "label":null, "uuid":null,
         "children": [
            {"name":"sdb1", "path":"/dev/sdb1", "size":900, "type":"part", "fstype":"linux_raid_member", "label":"nas:0", "uuid":"77e1",
               "children": [
                  {"name":"md127", "path":"/dev/md127", "size":900, "type":"raid1", "fstype":"xfs", "label":"media", "uuid":"f00d"}
               ]
            }
         ]
      },
      {"name":"sdc", "path":"/dev/sdc", "size":900, "type":"disk", "fstype":"linux_raid_member", "label":"nas:0", "uuid":"77e1",
         "children": [
            {"name":"md127", "path":"/dev/md127", "size":900, "type":"raid1", "fstype":"xfs", "label":"media", "uuid":"f00d"}
         ]
      },
      {"name":"sdd", "path":"/dev/sdd", "size":900, "type":"disk", "fstype":"linux_raid_member", "label":"nas:1", "uuid":"88f2"}
   ]}`
	devices, err := parseLsblk([]byte(out))
	require.NoError(t, err)
	require.Len(t, devices, 4)

	md := &ProbeResult{Content: "xfs", Label: "media", UUID: "f00d"}
	assert.Nil(t, devices[0].Assembled)
	assert.Equal(t, md, devices[1].Assembled)
	assert.Equal(t, md, devices[2].Assembled)
	assert.Nil(t, devices[3].Assembled, "array not assembled on the host")
}
