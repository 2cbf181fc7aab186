/*
Package kanod turns a libvirt host into a small virtual bare-metal lab.

A lab is a fleet of diskful virtual machines that PXE boot on a private
NAT network, each fronted by an emulated baseboard management
controller. Provisioning stacks that expect to drive real servers over
IPMI or Redfish can drive the fleet instead, power cycles and all.

Data Model

A fleet is N domains named <prefix>-1 through <prefix>-N, each with a
fixed MAC derived from its index, a raw disk volume in the lab storage
pool, and a NIC on the lab network.

An endpoint is the management listener for one fleet member, reachable
on a port derived from the same index. IPMI endpoints share one vbmcd
daemon; Redfish endpoints get one sushy-emulator process each.

Every run reconciles: whatever a previous lab left behind is torn down
first, then the configured lab is built from scratch. The backend API
is imperative, so convergence comes from cleanup plus idempotent
creates rather than transactions.
*/
package kanod
