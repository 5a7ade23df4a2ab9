// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command unworkable downloads (and optionally seeds) a single torrent
// identified by a .torrent file.
package main

import (
	"fmt"
	"io/ioutil"
	"net"
	"net/url"
	"os"
	"sync"

	"github.com/alecthomas/kingpin"

	"github.com/jpouellet/unworkable/core"
	"github.com/jpouellet/unworkable/lib/serverset"
	"github.com/jpouellet/unworkable/lib/torrent/metainfo"
	"github.com/jpouellet/unworkable/lib/torrent/session"
	"github.com/jpouellet/unworkable/metrics"
	"github.com/jpouellet/unworkable/tracker/announceclient"
	"github.com/jpouellet/unworkable/utils/configutil"
	"github.com/jpouellet/unworkable/utils/log"
	"github.com/jpouellet/unworkable/utils/memsize"
)

var (
	app = kingpin.New("unworkable", "Minimal BitTorrent v1 leeching/seeding client")

	torrentPath    = app.Arg("torrent", ".torrent file to download").Required().String()
	port           = app.Flag("port", "local port to listen for peer connections on").Short('p').Default("6668").Int()
	outputDir      = app.Flag("output-dir", "directory to write downloaded files into").Short('o').Default(".").String()
	configPath     = app.Flag("config", "YAML configuration file path").Short('c').String()
	tracePath      = app.Flag("trace", "file to write trace-level logs to").Short('t').String()
	seedOnly       = app.Flag("seed", "keep seeding after the download completes instead of exiting").Bool()
	maxUpload      = app.Flag("max-upload", "cap aggregate upload bandwidth in bits/sec (0 disables the cap)").Default("0").Uint64()
	maxDownload    = app.Flag("max-download", "cap aggregate download bandwidth in bits/sec (0 disables the cap)").Default("0").Uint64()
	metricsBackend = app.Flag("metrics", "metrics backend: disabled, stdout, statsd, or m3").Default("disabled").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	var config session.Config
	if *configPath != "" {
		if err := configutil.Load(*configPath, &config); err != nil {
			fatalf("load config: %s", err)
		}
	}
	config.ListenAddr = fmt.Sprintf(":%d", *port)
	if *tracePath != "" {
		config.Log.OutputPaths = append(config.Log.OutputPaths, *tracePath)
	}
	if *maxUpload != 0 || *maxDownload != 0 {
		config.Bandwidth.Enable = true
		config.Bandwidth.EgressBitsPerSec = orUnlimited(*maxUpload)
		config.Bandwidth.IngressBitsPerSec = orUnlimited(*maxDownload)
		log.Infof("Capping bandwidth: %s/s up, %s/s down",
			memsize.BitFormat(config.Bandwidth.EgressBitsPerSec),
			memsize.BitFormat(config.Bandwidth.IngressBitsPerSec))
	}

	raw, err := ioutil.ReadFile(*torrentPath)
	if err != nil {
		fatalf("read torrent file: %s", err)
	}
	mi, err := metainfo.Decode(raw)
	if err != nil {
		fatalf("parse torrent file: %s", err)
	}

	localPeerID, err := core.RandomPeerID()
	if err != nil {
		fatalf("generate peer id: %s", err)
	}

	announceAddr, err := trackerAddr(mi.Announce())
	if err != nil {
		fatalf("parse announce url: %s", err)
	}
	announceClient := announceclient.New(config.Announce, serverset.NewSingle(announceAddr))

	localIP, err := outboundIP()
	if err != nil {
		fatalf("determine local ip: %s", err)
	}

	stats, closer, err := metrics.New(metrics.Config{Backend: *metricsBackend}, mi.InfoHash().Hex())
	if err != nil {
		fatalf("create metrics scope: %s", err)
	}
	defer closer.Close()

	var once sync.Once
	done := make(chan struct{})
	onComplete := func() {
		once.Do(func() { close(done) })
	}

	sess, err := session.Open(config, mi, *outputDir, localPeerID, localIP, announceClient, stats, onComplete)
	if err != nil {
		fatalf("open session: %s", err)
	}
	if err := sess.Start(); err != nil {
		fatalf("start session: %s", err)
	}

	log.Infof("Downloading %q (%d pieces) into %s", mi.Name(), mi.NumPieces(), *outputDir)

	<-done
	log.Infof("%q is complete", mi.Name())

	if *seedOnly {
		select {}
	}

	sess.Stop()
}

// trackerAddr extracts the host:port serverset.Single expects from a
// tracker announce URL of the form "http://host:port/announce".
func trackerAddr(announce string) (string, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing host in announce url %q", announce)
	}
	return u.Host, nil
}

// outboundIP determines the local IP address used to reach the public
// internet, which is what the session announces itself as to the tracker.
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return "", err
	}
	return host, nil
}

// orUnlimited substitutes a practically-unlimited bit rate for a 0 (unset)
// side of an asymmetric --max-upload/--max-download pair, since Limiter
// requires both bounds whenever it is enabled.
func orUnlimited(bitsPerSec uint64) uint64 {
	if bitsPerSec == 0 {
		return 1 << 40
	}
	return bitsPerSec
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "unworkable: "+format+"\n", args...)
	os.Exit(1)
}
