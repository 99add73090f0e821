// vhost-probe is a small operator tool for vhost device nodes: it queries
// the feature mask a backend offers and computes the dirty-log footprint
// of a memory layout.
package main

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vhost/internal/control"
	"github.com/tinyrange/vhost/internal/dirtylog"
	"github.com/tinyrange/vhost/internal/memtable"
)

var featureNames = map[int]string{
	15: "VIRTIO_NET_F_MRG_RXBUF",
	24: "VIRTIO_F_NOTIFY_ON_EMPTY",
	26: "VHOST_F_LOG_ALL",
	27: "VIRTIO_F_ANY_LAYOUT",
	28: "VIRTIO_RING_F_INDIRECT_DESC",
	29: "VIRTIO_RING_F_EVENT_IDX",
	32: "VIRTIO_F_VERSION_1",
	33: "VIRTIO_F_ACCESS_PLATFORM",
	34: "VIRTIO_F_RING_PACKED",
	36: "VIRTIO_F_ORDER_PLATFORM",
	40: "VIRTIO_F_RING_RESET",
}

func featuresCommand() *cobra.Command {
	var device string

	cmd := &cobra.Command{
		Use:   "features",
		Short: "Query the feature mask a vhost backend offers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ch, err := control.Open(device)
			if err != nil {
				return err
			}
			defer ch.Close()

			if err := ch.SetOwner(); err != nil {
				return fmt.Errorf("claim %s: %w", device, err)
			}
			features, err := ch.Features()
			if err != nil {
				return fmt.Errorf("query features on %s: %w", device, err)
			}

			log.Debug("queried backend", zap.String("device", device),
				zap.Uint64("features", features))

			fmt.Printf("%s: features 0x%016x\n", device, features)
			for bit := 0; bit < 64; bit++ {
				if features&(1<<bit) == 0 {
					continue
				}
				name, ok := featureNames[bit]
				if !ok {
					name = "unknown"
				}
				fmt.Printf("  bit %2d  %s\n", bit, name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "/dev/vhost-net", "vhost device node")
	return cmd
}

// layoutConfig describes a guest memory layout for logsize: the RAM
// regions and the used-ring ranges of the queues a backend would log.
type layoutConfig struct {
	Regions []struct {
		GuestAddr uint64 `yaml:"guest_addr"`
		Size      uint64 `yaml:"size"`
	} `yaml:"regions"`
	Queues []struct {
		UsedAddr uint64 `yaml:"used_addr"`
		UsedSize uint64 `yaml:"used_size"`
	} `yaml:"queues"`
}

func logsizeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "logsize",
		Short: "Compute the dirty-log footprint of a memory layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return err
			}
			var cfg layoutConfig
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("parse %s: %w", configPath, err)
			}

			var table memtable.Table
			var covered uint64
			for _, reg := range cfg.Regions {
				table.Unassign(reg.GuestAddr, reg.Size)
				table.Assign(reg.GuestAddr, reg.Size, reg.GuestAddr)
				covered += reg.Size
			}

			words := table.LogChunks(dirtylog.ChunkSize)
			for _, q := range cfg.Queues {
				if q.UsedSize == 0 {
					continue
				}
				last := q.UsedAddr + q.UsedSize - 1
				words = max(words, last/dirtylog.ChunkSize+1)
			}

			log.Debug("computed layout",
				zap.Int("regions", table.Len()),
				zap.Uint64("words", words))

			fmt.Printf("regions:   %d (%s of guest RAM)\n",
				table.Len(), datasize.ByteSize(covered).HumanReadable())
			fmt.Printf("log size:  %d words (%s, one bit per %s page)\n",
				words, datasize.ByteSize(words*8).HumanReadable(),
				datasize.ByteSize(dirtylog.PageSize).HumanReadable())
			fmt.Printf("coverage:  %s of guest address space\n",
				datasize.ByteSize(words*dirtylog.ChunkSize).HumanReadable())
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "layout.yaml", "memory layout file")
	return cmd
}

var log = zap.NewNop()

func main() {
	var verbose bool

	root := &cobra.Command{
		Use:   "vhost-probe",
		Short: "Inspect vhost backends and dirty-log sizing",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log, _ = zap.NewDevelopment()
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(featuresCommand())
	root.AddCommand(logsizeCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
