package main

import (
	"os"
	"time"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "lorafs"
	app.Usage = "manage files on a LoRa file gateway over Bluetooth LE"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (default: ~/.config/lorafs/config.yaml)",
		},
		cli.StringFlag{
			Name:  "address, a",
			Usage: "gateway MAC address or CoreBluetooth UUID",
		},
	}
	app.Commands = []cli.Command{
		cli.Command{
			Name:  "scan",
			Usage: "List nearby gateways",
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "timeout, t",
					Value: 5 * time.Second,
					Usage: "how long to scan",
				},
			},
			Action: scanCommand,
		},
		cli.Command{
			Name:   "ls",
			Usage:  "List files stored on the gateway",
			Action: lsCommand,
		},
		cli.Command{
			Name:      "upload",
			Usage:     "Upload a local file to the gateway",
			ArgsUsage: "<path>",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "name, n",
					Usage: "name to store the file under (default: base name of path)",
				},
			},
			Action: uploadCommand,
		},
		cli.Command{
			Name:      "download",
			Usage:     "Download a file from the gateway",
			ArgsUsage: "<name>",
			Flags: []cli.Flag{
				cli.BoolFlag{
					Name:  "stdout",
					Usage: "write the file to standard output instead of the download directory",
				},
			},
			Action: downloadCommand,
		},
		cli.Command{
			Name:      "rm",
			Usage:     "Delete a file from the gateway",
			ArgsUsage: "<name>",
			Action:    rmCommand,
		},
		cli.Command{
			Name:  "radio",
			Usage: "LoRa radio operations",
			Subcommands: []cli.Command{
				cli.Command{
					Name:  "get",
					Usage: "Show the radio configuration",
					Flags: []cli.Flag{
						cli.BoolFlag{
							Name:  "cached",
							Usage: "show the last known configuration without connecting",
						},
					},
					Action: radioGetCommand,
				},
				cli.Command{
					Name:  "set",
					Usage: "Change radio parameters; unset flags keep their current value",
					Flags: []cli.Flag{
						cli.IntFlag{Name: "bw", Usage: "bandwidth in kHz (125, 250, 500)"},
						cli.IntFlag{Name: "sf", Usage: "spreading factor (7, 9, 12)"},
						cli.IntFlag{Name: "cr", Usage: "coding rate denominator (5, 7, 8)"},
						cli.IntFlag{Name: "ack", Usage: "fragments per acknowledgement (3, 5, 7, 10, 15)"},
						cli.IntFlag{Name: "power", Usage: "transmit power in dBm (10, 14, 17, 20)"},
					},
					Action: radioSetCommand,
				},
				cli.Command{
					Name:      "tx",
					Usage:     "Transmit a stored file to the paired gateway over LoRa",
					ArgsUsage: "<name>",
					Action:    radioTxCommand,
				},
			},
		},
		cli.Command{
			Name:   "watch",
			Usage:  "Stream LoRa reception events",
			Action: watchCommand,
		},
		cli.Command{
			Name:  "history",
			Usage: "Show recorded transfers",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "limit, l",
					Value: 20,
					Usage: "number of records to show (0 for all)",
				},
			},
			Action: historyCommand,
		},
		cli.Command{
			Name:  "config",
			Usage: "Manage the config file",
			Subcommands: []cli.Command{
				cli.Command{
					Name:   "init",
					Usage:  "Write the default config file",
					Action: configInitCommand,
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		PrintFatal(os.Stderr, "%v", err)
	}
}
