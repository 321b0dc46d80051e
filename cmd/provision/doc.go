// Command esp-provision provisions ESP32 devices on a production line.
//
// One run flashes the bootloader, partition table and application image,
// burns the next serial number (and optionally a key) into eFuses and
// advances the serial counter. The counter only moves after every burn
// succeeded.
//
//	esp-provision run --port COM9 --firmware build/app.bin
//	esp-provision run --port /dev/ttyUSB0 --strategy bit-burn-key --key-file vault://vault:8200/secret/esp/key
//	esp-provision run --port COM9 --dry-run
//	esp-provision serve --config station.yaml --listen-addr 0.0.0.0:8080
//	esp-provision bits 000004D2
//	esp-provision show --serial-file s3://line-1/serial_number.txt
//
// Settings come from defaults, then the --config station file, then flags
// and environment variables that are set explicitly.
package main
