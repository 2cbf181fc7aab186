/*
vmok builds disposable virtual bare-metal labs on a libvirt host. Each
lab is a fleet of PXE-booting machines with BMC endpoints in front of
them, ready for a provisioning stack to adopt and install.

Usage

The following arguments are understood:

	Usage:
	vmok [flags]
	vmok [command]

	Available Commands:
	up          Build the lab, replacing whatever a previous run left
	destroy     Tear the lab down, endpoints, fleet, network, and pool
	status      Report fleet and endpoint state without changing anything
	help        Help about any command

Every run of up starts with the cleanup of the previous lab, so up is
also the recovery path after a failed or interrupted run. Exit codes
are stable per failure class; 0 is success.

Examples

Build a three machine IPMI lab and check on it:

	$ vmok up -n 3
	$ vmok status
	lab vmok: fleet 3, protocol ipmi, created 2024-03-02T10:11:12Z
	vmok-1       stopped  port 5001  endpoint up
	vmok-2       stopped  port 5002  endpoint up
	vmok-3       stopped  port 5003  endpoint up

Switch the same lab to Redfish:

	$ vmok up -n 3 -p redfish
*/
package main
