/*Package gateway holds the contract towards the cloud device-state store and
the REST client for the external device/user API.

The shadow gateway is the pub/sub side: desired state goes down to the device
shadow, accepted state changes come back up. Two implementations exist, the
AWS IoT adapter in gateway/awsiot and the embedded development broker in
gateway/mqtt. The broker core only ever sees the ShadowGateway interface.
*/
package gateway
